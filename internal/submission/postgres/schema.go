package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS submissions (
	id BIGSERIAL PRIMARY KEY,
	course TEXT NOT NULL,
	assignment TEXT NOT NULL,
	upload_time TIMESTAMPTZ NOT NULL,
	token TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'uploaded',
	exit_code INTEGER,
	uploaded_by BIGINT NOT NULL,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT submissions_token_len CHECK (char_length(token) = 10),
	CONSTRAINT submissions_status_label CHECK (status IN ('uploaded','queued','processing','processed')),
	CONSTRAINT submissions_identity UNIQUE (upload_time, token)
);

CREATE INDEX IF NOT EXISTS submissions_status_idx ON submissions (status);
CREATE INDEX IF NOT EXISTS submissions_course_assignment_idx ON submissions (course, assignment);

CREATE TABLE IF NOT EXISTS projectgroup (
	submission_id BIGINT NOT NULL REFERENCES submissions (id) ON DELETE CASCADE,
	user_id BIGINT NOT NULL,

	PRIMARY KEY (submission_id, user_id)
);
`
