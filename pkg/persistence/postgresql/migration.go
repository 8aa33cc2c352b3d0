package postgresql

import "github.com/dukex/runbook/pkg/persistence/sqlbase"

func migrations() []sqlbase.Migration {
	return []sqlbase.Migration{
		{Version: 1, Name: "initial_schema", SQL: `
			CREATE TABLE events (
				id VARCHAR(64) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				user_id VARCHAR(255) NOT NULL DEFAULT '',
				type VARCHAR(32) NOT NULL,
				status VARCHAR(32) NOT NULL,
				trigger_type VARCHAR(32) NOT NULL,
				content TEXT NOT NULL DEFAULT '',
				http_request JSONB,
				tool_action JSONB,
				environment JSONB,
				timeout_ms BIGINT NOT NULL DEFAULT 0,
				custom_schedule VARCHAR(255) NOT NULL DEFAULT '',
				schedule_number INT NOT NULL DEFAULT 0,
				schedule_unit VARCHAR(16) NOT NULL DEFAULT '',
				start_time TIMESTAMP WITH TIME ZONE,
				max_executions INT NOT NULL DEFAULT 0,
				execution_count INT NOT NULL DEFAULT 0,
				last_run_at TIMESTAMP WITH TIME ZONE,
				next_run_at TIMESTAMP WITH TIME ZONE,
				webhooks JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_events_status ON events(status);
			CREATE INDEX idx_events_user_id ON events(user_id);

			CREATE TABLE jobs (
				id VARCHAR(64) PRIMARY KEY,
				event_id VARCHAR(64) NOT NULL,
				workflow_id VARCHAR(64) NOT NULL DEFAULT '',
				user_id VARCHAR(255) NOT NULL DEFAULT '',
				type VARCHAR(32) NOT NULL,
				status VARCHAR(32) NOT NULL,
				priority INT NOT NULL DEFAULT 0,
				scheduled_for TIMESTAMP WITH TIME ZONE NOT NULL,
				payload JSONB NOT NULL,
				result JSONB,
				metadata JSONB,
				attempts INT NOT NULL DEFAULT 0,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_jobs_due ON jobs(status, scheduled_for);
			CREATE INDEX idx_jobs_event_id ON jobs(event_id);

			CREATE TABLE executions (
				id VARCHAR(64) PRIMARY KEY,
				job_id VARCHAR(64) NOT NULL,
				event_id VARCHAR(64) NOT NULL DEFAULT '',
				status VARCHAR(32) NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE,
				exit_code INT,
				output TEXT NOT NULL DEFAULT '',
				error TEXT NOT NULL DEFAULT '',
				script_output JSONB,
				branch_condition BOOLEAN,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_executions_job_id ON executions(job_id, created_at);

			CREATE TABLE logs (
				id VARCHAR(64) PRIMARY KEY,
				event_id VARCHAR(64) NOT NULL DEFAULT '',
				job_id VARCHAR(64) NOT NULL DEFAULT '',
				workflow_id VARCHAR(64) NOT NULL DEFAULT '',
				status VARCHAR(32) NOT NULL,
				output TEXT NOT NULL DEFAULT '',
				error TEXT NOT NULL DEFAULT '',
				script_output JSONB,
				branch_condition BOOLEAN,
				exit_code INT,
				start_time TIMESTAMP WITH TIME ZONE NOT NULL,
				end_time TIMESTAMP WITH TIME ZONE,
				duration_ms BIGINT NOT NULL DEFAULT 0
			);

			CREATE INDEX idx_logs_job_id ON logs(job_id, start_time);

			CREATE TABLE workflows (
				id VARCHAR(64) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				status VARCHAR(32) NOT NULL,
				trigger_type VARCHAR(32) NOT NULL DEFAULT '',
				webhook_key VARCHAR(255) UNIQUE,
				security JSONB,
				input_schema JSONB,
				nodes JSONB,
				connections JSONB,
				owner VARCHAR(255) NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_workflows_status ON workflows(status);
		`},
	}
}
