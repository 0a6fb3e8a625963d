package db

import (
	"database/sql"
	"fmt"
	"log"
	"strings"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

// DatabaseInfo holds the pieces of a PostgreSQL connection URL.
type DatabaseInfo struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// ParseDatabaseURL splits a postgres:// connection URL into components so the
// same credentials can be reused against the admin database.
func ParseDatabaseURL(url string) (*DatabaseInfo, error) {
	info := &DatabaseInfo{Port: "5432", SSLMode: "disable"}

	url = strings.TrimPrefix(url, "postgres://")
	url = strings.TrimPrefix(url, "postgresql://")

	authAndHost := strings.SplitN(url, "@", 2)
	if len(authAndHost) != 2 {
		return nil, errors.New("invalid connection URL format")
	}

	auth := strings.SplitN(authAndHost[0], ":", 2)
	info.User = auth[0]
	if len(auth) == 2 {
		info.Password = auth[1]
	}

	hostAndDB := authAndHost[1]
	if idx := strings.Index(hostAndDB, "?"); idx != -1 {
		for _, param := range strings.Split(hostAndDB[idx+1:], "&") {
			if strings.HasPrefix(param, "sslmode=") {
				info.SSLMode = strings.TrimPrefix(param, "sslmode=")
			}
		}
		hostAndDB = hostAndDB[:idx]
	}

	hostAndName := strings.SplitN(hostAndDB, "/", 2)
	if len(hostAndName) == 2 {
		info.DBName = hostAndName[1]
	}

	hostPort := strings.SplitN(hostAndName[0], ":", 2)
	info.Host = hostPort[0]
	if len(hostPort) == 2 {
		info.Port = hostPort[1]
	}

	return info, nil
}

// BuildConnectionURL rebuilds a connection URL against another database name.
func (info *DatabaseInfo) BuildConnectionURL(dbName string) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		info.User, info.Password, info.Host, info.Port, dbName, info.SSLMode)
}

// EnsureDatabase creates the database named in the URL when it does not
// exist yet, connecting through the postgres admin database.
func EnsureDatabase(databaseURL string) error {
	info, err := ParseDatabaseURL(databaseURL)
	if err != nil {
		return errors.Wrap(err, "failed to parse database URL")
	}

	admin, err := sql.Open("postgres", info.BuildConnectionURL("postgres"))
	if err != nil {
		return errors.Wrap(err, "failed to connect to postgres database")
	}
	defer admin.Close()

	if err := admin.Ping(); err != nil {
		return errors.Wrap(err, "failed to ping postgres database")
	}

	var exists bool
	err = admin.QueryRow("SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", info.DBName).Scan(&exists)
	if err != nil {
		return errors.Wrap(err, "failed to check database existence")
	}
	if exists {
		return nil
	}

	log.Printf("📦 [DB Init] Creating database '%s'...", info.DBName)
	// CREATE DATABASE does not accept bind parameters
	if _, err := admin.Exec("CREATE DATABASE " + info.DBName); err != nil {
		return errors.Wrap(err, "failed to create database")
	}

	log.Printf("✅ [DB Init] Database '%s' created", info.DBName)
	return nil
}

// EnsureDatabaseWithConnection ensures the database exists and returns an
// open, pinged connection to it.
func EnsureDatabaseWithConnection(databaseURL string) (*sql.DB, error) {
	if err := EnsureDatabase(databaseURL); err != nil {
		return nil, err
	}

	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}

	return conn, nil
}
