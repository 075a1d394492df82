package main

import (
	"database/sql"
	"os"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/axion66/A2rchi-sub000/internal/deploy"
)

func newLogger() zerolog.Logger {
	var w zerolog.ConsoleWriter
	var base zerolog.Logger
	if flagJSONLog {
		base = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		w = zerolog.ConsoleWriter{Out: os.Stderr}
		base = zerolog.New(w).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(flagLogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return base.Level(level)
}

func resolveDSN() string {
	if flagDSN != "" {
		return flagDSN
	}
	return deploy.ResolveDBCredentials().DSN()
}

func openDB() (*sql.DB, error) {
	return sql.Open("postgres", resolveDSN())
}
