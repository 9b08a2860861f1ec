package app

import (
	"os"
	"strconv"
	"sync"
)

const testModeEnv = "FISCALDESK_TEST_MODE"

// InTestMode reports whether FISCALDESK_TEST_MODE is set to a true value.
// Binaries then skip connecting to Postgres and Redis, and the middleware
// relaxes HTTPS-only headers. The flag is read once per process.
var InTestMode = sync.OnceValue(func() bool {
	on, err := strconv.ParseBool(os.Getenv(testModeEnv))
	return err == nil && on
})
