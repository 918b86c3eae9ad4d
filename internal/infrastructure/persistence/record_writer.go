package persistence

import (
	"context"
	"fmt"

	"github.com/crm/backend/internal/domain/crm"
	"gorm.io/gorm"
)

const insertBatchSize = 200

// RecordSet groups CRM records written together
type RecordSet struct {
	Customers     []crm.Customer    `json:"customers"`
	Opportunities []crm.Opportunity `json:"opportunities"`
	Deals         []crm.Deal        `json:"deals"`
	Quotes        []crm.Quote       `json:"quotes"`
	Transactions  []crm.Transaction `json:"transactions"`
}

// Len returns the total number of records, quote items excluded
func (s *RecordSet) Len() int {
	return len(s.Customers) + len(s.Opportunities) + len(s.Deals) + len(s.Quotes) + len(s.Transactions)
}

// Validate checks every record invariant before anything is written
func (s *RecordSet) Validate() error {
	for i := range s.Customers {
		if err := s.Customers[i].Validate(); err != nil {
			return fmt.Errorf("customer %s: %w", s.Customers[i].ID, err)
		}
	}
	for i := range s.Opportunities {
		if err := s.Opportunities[i].Validate(); err != nil {
			return fmt.Errorf("opportunity %s: %w", s.Opportunities[i].ID, err)
		}
	}
	for i := range s.Deals {
		if err := s.Deals[i].Validate(); err != nil {
			return fmt.Errorf("deal %s: %w", s.Deals[i].ID, err)
		}
	}
	for i := range s.Quotes {
		if err := s.Quotes[i].Validate(); err != nil {
			return fmt.Errorf("quote %s: %w", s.Quotes[i].Number, err)
		}
	}
	for i := range s.Transactions {
		if err := s.Transactions[i].Validate(); err != nil {
			return fmt.Errorf("transaction %s: %w", s.Transactions[i].ID, err)
		}
	}
	return nil
}

// GormRecordWriter inserts CRM records; it backs the seed command
type GormRecordWriter struct {
	db *gorm.DB
}

// NewGormRecordWriter creates a new GormRecordWriter
func NewGormRecordWriter(db *gorm.DB) *GormRecordWriter {
	return &GormRecordWriter{db: db}
}

// Save validates and inserts the set in one transaction, parents first
func (w *GormRecordWriter) Save(ctx context.Context, set *RecordSet) error {
	if err := set.Validate(); err != nil {
		return err
	}

	return w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := createAll(tx, set.Customers); err != nil {
			return fmt.Errorf("insert customers: %w", err)
		}
		if err := createAll(tx, set.Opportunities); err != nil {
			return fmt.Errorf("insert opportunities: %w", err)
		}
		if err := createAll(tx, set.Deals); err != nil {
			return fmt.Errorf("insert deals: %w", err)
		}
		if err := createAll(tx, set.Quotes); err != nil {
			return fmt.Errorf("insert quotes: %w", err)
		}
		if err := createAll(tx, set.Transactions); err != nil {
			return fmt.Errorf("insert transactions: %w", err)
		}
		return nil
	})
}

func createAll[T any](tx *gorm.DB, records []T) error {
	if len(records) == 0 {
		return nil
	}
	return tx.CreateInBatches(records, insertBatchSize).Error
}
