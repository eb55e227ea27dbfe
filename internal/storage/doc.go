// Package storage persists the lease record and the action queue for each
// bot identity.
//
// Every driver implements ownership with a single-record conditional write:
//   - sqlite: INSERT ... ON CONFLICT DO UPDATE ... WHERE (modernc, database/sql)
//   - postgres / gorm-sqlite: gorm upsert with a conditional DO UPDATE
//   - mongo: filtered upsert, duplicate key means the filter did not match
//   - s3: If-Match / If-None-Match ETag preconditions
//   - memory: mutex-guarded maps, single process only
package storage
