package store

// schema is applied once at open time. SQLite's CREATE TABLE IF NOT
// EXISTS makes this idempotent across restarts; there is no versioned
// migration ladder because the schema has never shipped a breaking
// change.
const schema = `
CREATE TABLE IF NOT EXISTS signal_sender (
	sender_id INTEGER PRIMARY KEY AUTOINCREMENT,
	signal_uuid TEXT UNIQUE,
	phone_number TEXT,
	contact_name TEXT,
	last_seen TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS signal_group (
	group_id INTEGER PRIMARY KEY AUTOINCREMENT,
	signal_group_id TEXT UNIQUE NOT NULL,
	group_name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS signal_message (
	message_id INTEGER PRIMARY KEY AUTOINCREMENT,
	sender_id INTEGER REFERENCES signal_sender(sender_id),
	group_id INTEGER REFERENCES signal_group(group_id),
	timestamp TIMESTAMP NOT NULL,
	text_content TEXT,
	is_group_message BOOLEAN NOT NULL DEFAULT 0,
	signal_account TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_signal_message_dedup ON signal_message(sender_id, timestamp);

CREATE TABLE IF NOT EXISTS attachment (
	attachment_id INTEGER PRIMARY KEY AUTOINCREMENT,
	signal_attachment_id TEXT NOT NULL,
	content_type TEXT,
	filename TEXT,
	file_size INTEGER,
	upload_timestamp_ms INTEGER,
	file_path TEXT
);

CREATE TABLE IF NOT EXISTS message_attachment_mapping (
	message_id INTEGER NOT NULL REFERENCES signal_message(message_id),
	attachment_id INTEGER NOT NULL REFERENCES attachment(attachment_id),
	PRIMARY KEY (message_id, attachment_id)
);

CREATE TABLE IF NOT EXISTS store (
	store_id INTEGER PRIMARY KEY AUTOINCREMENT,
	store_name TEXT NOT NULL,
	address TEXT,
	postal_code TEXT,
	city TEXT,
	country_code TEXT,
	phone TEXT,
	updated_at TIMESTAMP,
	UNIQUE(store_name, city, postal_code)
);

CREATE TABLE IF NOT EXISTS item_category (
	category_id INTEGER PRIMARY KEY AUTOINCREMENT,
	category_main TEXT NOT NULL,
	category_sub TEXT NOT NULL,
	description TEXT,
	active BOOLEAN NOT NULL DEFAULT 1,
	UNIQUE(category_main, category_sub)
);

CREATE TABLE IF NOT EXISTS transaction_category (
	category_id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT UNIQUE NOT NULL
);

CREATE TABLE IF NOT EXISTS "transaction" (
	transaction_id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id INTEGER REFERENCES signal_message(message_id),
	store_id INTEGER NOT NULL REFERENCES store(store_id),
	transaction_category_id INTEGER REFERENCES transaction_category(category_id),
	receipt_number TEXT,
	transaction_date TEXT NOT NULL,
	transaction_time TEXT,
	currency TEXT NOT NULL,
	total TEXT NOT NULL,
	payment_method TEXT,
	source TEXT NOT NULL DEFAULT 'signal',
	processed_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS item (
	item_id INTEGER PRIMARY KEY AUTOINCREMENT,
	product_name TEXT NOT NULL,
	product_reference TEXT,
	brand TEXT,
	quantity TEXT,
	unit_price TEXT,
	total_price TEXT,
	vat_rate TEXT,
	category_id INTEGER REFERENCES item_category(category_id),
	line_number INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS transaction_item_mapping (
	transaction_id INTEGER NOT NULL REFERENCES "transaction"(transaction_id),
	item_id INTEGER NOT NULL REFERENCES item(item_id),
	PRIMARY KEY (transaction_id, item_id)
);

CREATE TABLE IF NOT EXISTS transaction_attachment_mapping (
	transaction_id INTEGER NOT NULL REFERENCES "transaction"(transaction_id),
	attachment_id INTEGER NOT NULL REFERENCES attachment(attachment_id),
	PRIMARY KEY (transaction_id, attachment_id)
);

CREATE VIEW IF NOT EXISTS daily_spending_summary AS
SELECT
	t.transaction_date,
	s.store_name,
	g.group_name AS "group",
	SUM(CAST(t.total AS REAL)) AS amount
FROM "transaction" t
JOIN store s ON s.store_id = t.store_id
LEFT JOIN signal_message m ON m.message_id = t.message_id
LEFT JOIN signal_group g ON g.group_id = m.group_id
GROUP BY t.transaction_date, s.store_name, g.group_name;
`
