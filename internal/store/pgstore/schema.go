package pgstore

import "context"

const sqlSchema = `
create table if not exists accounts (
	user_id text primary key,
	balance bigint not null default 0,
	frozen_balance bigint not null default 0,
	version bigint not null default 0,
	created_at timestamptz not null default now(),
	updated_at timestamptz not null default now(),
	constraint chk_accounts_balance check (balance >= 0),
	constraint chk_accounts_frozen check (frozen_balance >= 0 and frozen_balance <= balance)
);

create table if not exists freeze_records (
	record_id uuid primary key,
	request_id text not null,
	user_id text not null references accounts(user_id),
	amount bigint not null check (amount > 0),
	status text not null check (status in ('frozen', 'settled', 'refunded')),
	model_id text not null default '',
	conversation_id text not null default '',
	actual_cost bigint not null default 0,
	input_tokens bigint not null default 0,
	output_tokens bigint not null default 0,
	reason text not null default '',
	metadata jsonb not null default '{}'::jsonb,
	created_at timestamptz not null default now(),
	updated_at timestamptz not null default now(),
	settled_at timestamptz,
	refunded_at timestamptz,
	constraint uniq_freeze_records_request_id unique (request_id)
);

create index if not exists idx_freeze_records_user_status on freeze_records(user_id, status);

create table if not exists ledger_entries (
	entry_id uuid primary key default gen_random_uuid(),
	user_id text not null references accounts(user_id),
	type text not null,
	amount bigint not null check (amount <> 0),
	before_balance bigint not null,
	after_balance bigint not null,
	before_frozen bigint not null,
	after_frozen bigint not null,
	remark text not null default '',
	request_id text,
	order_id text not null default '',
	task_id text not null default '',
	operator_id text not null default '',
	metadata jsonb not null default '{}'::jsonb,
	created_at timestamptz not null default now()
);

create index if not exists idx_ledger_entries_user_type on ledger_entries(user_id, type);
create index if not exists idx_ledger_entries_user_created_id on ledger_entries(user_id, created_at, entry_id);
create index if not exists idx_ledger_entries_created on ledger_entries(created_at);
create index if not exists idx_ledger_entries_request on ledger_entries(request_id);
`

// EnsureSchema creates the ledger tables when they are missing.
func (store *Store) EnsureSchema(ctx context.Context) error {
	if _, err := store.pool.Exec(ctx, sqlSchema); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
	}
	return nil
}
