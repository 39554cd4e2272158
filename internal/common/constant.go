package common

// CorrelationIDHeader is the HTTP header used to carry the correlation
// identifier across requests and into terminal failure records.
const CorrelationIDHeader = "X-Correlation-ID"

// AccessTokenHeaderName is the HTTP header used to carry the access token
// on incoming requests.
const AccessTokenHeaderName = "Authorization"
