package journal

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS executions (
		id             VARCHAR(64) PRIMARY KEY,
		workflow_id    VARCHAR(64) NOT NULL,
		workflow_name  VARCHAR(255) NOT NULL DEFAULT '',
		environment    VARCHAR(32) NOT NULL DEFAULT '',
		status         VARCHAR(16) NOT NULL,
		started_at     BIGINT NOT NULL,
		finished_at    BIGINT,
		trigger_mode   VARCHAR(32) NOT NULL DEFAULT '',
		trigger_data   LONGTEXT,
		error_message  TEXT,
		duration_ms    BIGINT NOT NULL DEFAULT 0,
		nodes_executed INT NOT NULL DEFAULT 0,
		nodes_skipped  INT NOT NULL DEFAULT 0,
		nodes_failed   INT NOT NULL DEFAULT 0,
		path           LONGTEXT,
		KEY idx_executions_workflow (workflow_id),
		KEY idx_executions_status (status),
		KEY idx_executions_started (started_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS node_executions (
		id            VARCHAR(64) PRIMARY KEY,
		execution_id  VARCHAR(64) NOT NULL,
		node_id       VARCHAR(64) NOT NULL,
		node_name     VARCHAR(255) NOT NULL DEFAULT '',
		status        VARCHAR(16) NOT NULL,
		started_at    BIGINT NOT NULL,
		finished_at   BIGINT,
		input         LONGTEXT,
		output        LONGTEXT,
		error_message TEXT,
		retry_count   INT NOT NULL DEFAULT 0,
		duration_ms   BIGINT NOT NULL DEFAULT 0,
		exec_order    INT NOT NULL DEFAULT 0,
		KEY idx_node_executions_execution (execution_id),
		CONSTRAINT fk_node_executions_execution FOREIGN KEY (execution_id)
			REFERENCES executions(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS execution_logs (
		id           VARCHAR(64) PRIMARY KEY,
		execution_id VARCHAR(64) NOT NULL,
		ts           BIGINT NOT NULL,
		seq          BIGINT NOT NULL,
		level        TINYINT NOT NULL,
		message      TEXT,
		node_id      VARCHAR(64) NOT NULL DEFAULT '',
		node_name    VARCHAR(255) NOT NULL DEFAULT '',
		metadata     LONGTEXT,
		KEY idx_logs_execution (execution_id),
		KEY idx_logs_order (execution_id, ts, seq),
		CONSTRAINT fk_logs_execution FOREIGN KEY (execution_id)
			REFERENCES executions(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// NewMySQLStore connects to a MySQL journal using a go-sql-driver DSN,
// e.g. "canal:secret@tcp(127.0.0.1:3306)/canal".
func NewMySQLStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: opening mysql: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(3 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: pinging mysql: %w", err)
	}
	for _, stmt := range mysqlSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("journal: creating mysql schema: %w", err)
		}
	}
	return &SQLStore{db: db}, nil
}
