package mysql

// Cleared reactions are stored as 'none' rows; nothing is ever deleted.
const upsertReactionSQL = `
INSERT INTO reaction_records
  (owner, review_id, kind, last_updated_at)
VALUES
  (?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
  kind            = VALUES(kind),
  last_updated_at = VALUES(last_updated_at)
`

const selectReactionSQL = `
SELECT kind, last_updated_at
FROM reaction_records
WHERE owner = ? AND review_id = ?
`

const listReactionsSQL = `
SELECT review_id, kind, last_updated_at
FROM reaction_records
WHERE owner = ?
ORDER BY review_id
`
