package database

import (
	"context"
	"fmt"
)

// CreateSchema creates the scheduling tables and indexes if they are missing
func (db *DB) CreateSchema(ctx context.Context) error {
	db.logger.WithComponent("database").Info("Creating database schema...")

	statements := []string{
		createProvidersTable,
		createAppointmentsTable,
		createNotificationsTable,
		createAppointmentsIndexes,
		createNotificationsIndexes,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}

	db.logger.WithComponent("database").Info("Database schema created successfully")
	return nil
}

// SQL DDL statements for table creation
const (
	createProvidersTable = `
		CREATE TABLE IF NOT EXISTS providers (
			id UUID PRIMARY KEY,
			name VARCHAR(100) NOT NULL,
			email VARCHAR(255) UNIQUE NOT NULL,
			phone VARCHAR(50) NOT NULL DEFAULT '',
			specialization VARCHAR(100) NOT NULL DEFAULT '',
			fee NUMERIC(10,2) NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);`

	// provider_id carries no foreign key: providers may be removed while
	// appointments referencing them still exist.
	createAppointmentsTable = `
		CREATE TABLE IF NOT EXISTS appointments (
			id UUID PRIMARY KEY,
			client_id VARCHAR(64) NOT NULL,
			provider_id UUID NOT NULL,
			appointment_date DATE NOT NULL,
			slot_time VARCHAR(8) NOT NULL,
			status VARCHAR(16) NOT NULL DEFAULT 'Pending'
				CHECK (status IN ('Pending', 'Confirmed', 'Completed', 'Cancelled')),
			details JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);`

	createNotificationsTable = `
		CREATE TABLE IF NOT EXISTS notifications (
			id UUID PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			booking_id UUID NOT NULL,
			kind VARCHAR(32) NOT NULL,
			message TEXT NOT NULL,
			fired_at TIMESTAMP WITH TIME ZONE NOT NULL,
			read BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);`

	createAppointmentsIndexes = `
		CREATE UNIQUE INDEX IF NOT EXISTS idx_appointments_active_slot
			ON appointments (provider_id, appointment_date, slot_time)
			WHERE status IN ('Pending', 'Confirmed');
		CREATE INDEX IF NOT EXISTS idx_appointments_client ON appointments (client_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_appointments_provider_date ON appointments (provider_id, appointment_date);
		CREATE INDEX IF NOT EXISTS idx_appointments_status_date ON appointments (status, appointment_date);`

	createNotificationsIndexes = `
		CREATE UNIQUE INDEX IF NOT EXISTS idx_notifications_booking_kind ON notifications (booking_id, kind);
		CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications (user_id, created_at DESC);`
)
