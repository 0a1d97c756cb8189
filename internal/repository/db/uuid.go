package db

import (
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// UUIDFrom converts a google/uuid value to its pgtype representation.
func UUIDFrom(u uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: u, Valid: true}
}

// ToUUID converts a pgtype UUID back to a google/uuid value. An invalid
// (NULL) input maps to uuid.Nil.
func ToUUID(p pgtype.UUID) uuid.UUID {
	if !p.Valid {
		return uuid.Nil
	}
	return uuid.UUID(p.Bytes)
}
