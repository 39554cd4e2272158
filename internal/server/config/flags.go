package config

import (
	"flag"
	"os"

	"github.com/docsrv/ingest/internal/flagx"
)

// parseFlags populates selected server Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   HTTP bind address (e.g., ":8080")
//	-d string   PostgreSQL DSN
//	-r string   Redis address (host:port), empty disables Redis
//	-s string   JWT HMAC secret key
//	-i string   ingestion service endpoint
//	-k string   ingestion service API key
//	-u string   S3 root user
//	-p string   S3 root password
//	-b string   S3 bucket name
//	-g string   S3 region
//	-e string   S3 base endpoint (e.g., "http://127.0.0.1:9000/")
//	-t string   local chunk staging directory
//	-w int      submitter worker count
//
// The function first filters os.Args to only the flags it recognizes using
// flagx.FilterArgs, avoiding collisions with other components.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:],
		[]string{"-a", "-d", "-r", "-s", "-i", "-k", "-u", "-p", "-b", "-g", "-e", "-t", "-w"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.EndpointAddrHTTP, "a", config.EndpointAddrHTTP, "address and port to run server")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.RedisAddr, "r", config.RedisAddr, "redis address")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")
	fs.StringVar(&config.IngestionEndpoint, "i", config.IngestionEndpoint, "ingestion service endpoint")
	fs.StringVar(&config.IngestionAPIKey, "k", config.IngestionAPIKey, "ingestion service API key")
	fs.StringVar(&config.S3RootUser, "u", config.S3RootUser, "S3 root user")
	fs.StringVar(&config.S3RootPassword, "p", config.S3RootPassword, "S3 root password")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 bucket")
	fs.StringVar(&config.S3Region, "g", config.S3Region, "S3 region")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")
	fs.StringVar(&config.StagingDir, "t", config.StagingDir, "chunk staging directory")
	fs.IntVar(&config.SubmitWorkers, "w", config.SubmitWorkers, "submitter worker count")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}
