/*
Package config loads daemon settings from the environment.

	POLLER_DB_PATH              database file (default data/poller.db)
	POLLER_LOG_LEVEL            DEBUG, INFO, WARN, ERROR (default INFO)
	POLLER_LOG_JSON             1 for JSON log output
	POLLER_ENCRYPTION_KEY       credential encryption passphrase (required)
	POLLER_DEFAULT_WEBHOOK_URL  fallback webhook for new connections
	POLLER_DEFAULT_POLL_INTERVAL  poll cadence for new connections (default 60)
	POLLER_METRICS_ADDR         metrics/health listen address (off when empty)

Load returns an error when POLLER_ENCRYPTION_KEY is missing; every other
setting has a usable default.
*/
package config
