// Package database provides the SQLite connection for the VentBridge
// event store.
//
// The bridge keeps a local, append-mostly log of operational events
// (connects, escalations, duplicate registrations) that survives restarts
// and broker outages. SQLite fits: single process, single file, no server.
//
// # Configuration
//
//	database:
//	  path: "/var/lib/ventbridge/events.db"
//	  wal_mode: true
//	  busy_timeout: 5
//
// WAL mode allows reads to proceed during writes. The connection pool is
// pinned to a single connection since SQLite supports one writer.
//
// # Usage
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
package database
