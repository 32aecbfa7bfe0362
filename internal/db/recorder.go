// Package db persists balance snapshots and rebalance receipts emitted
// by the fleet engine's event bus.
//
// Grounded on the teacher's internal/db/transaction_recorder.go: same
// gorm.io/gorm + gorm.io/driver/mysql handle, same AutoMigrate-on-
// construct pattern, same big-number-as-string column convention
// (there for *big.Int, here for walletfleet's decimal-string balances,
// which are already strings). The single AssetSnapshotRecord table is
// split in two, since this domain has two distinct event shapes
// (balances, rebalance receipts) where the teacher only ever recorded
// one.
package db

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	walletfleet "github.com/ChoSanghyuk/walletfleet"
)

// BalanceSnapshotRecord is one wallet's balance of one token at the
// time a BalancesEvent fired.
type BalanceSnapshotRecord struct {
	ID               uint      `gorm:"primaryKey;autoIncrement"`
	Timestamp        time.Time `gorm:"index;not null"`
	Chain            string    `gorm:"index;not null"`
	Network          string    `gorm:"not null"`
	Address          string    `gorm:"index;not null"`
	Symbol           string    `gorm:"not null"`
	TokenAddress     string    `gorm:"not null"`
	RawBalance       string    `gorm:"type:varchar(78);not null;comment:exact on-chain integer units, as a string"`
	FormattedBalance string    `gorm:"type:varchar(78);not null"`
	CreatedAt        time.Time `gorm:"autoCreateTime"`
}

// TableName specifies the table name for GORM.
func (BalanceSnapshotRecord) TableName() string {
	return "balance_snapshots"
}

// RebalanceReceiptRecord is one instruction's outcome from a finished
// rebalance batch.
type RebalanceReceiptRecord struct {
	ID            uint      `gorm:"primaryKey;autoIncrement"`
	Timestamp     time.Time `gorm:"index;not null"`
	Chain         string    `gorm:"index;not null"`
	Strategy      string    `gorm:"not null"`
	SourceAddress string    `gorm:"not null"`
	TargetAddress string    `gorm:"not null"`
	Amount        string    `gorm:"type:varchar(78);not null"`
	Symbol        string    `gorm:"not null"`
	TxID          string    `gorm:"not null"`
	Success       bool      `gorm:"not null"`
	Err           string    `gorm:"type:text"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
}

// TableName specifies the table name for GORM.
func (RebalanceReceiptRecord) TableName() string {
	return "rebalance_receipts"
}

// Recorder persists fleet events via GORM. Its Observe method is a
// walletfleet.EventSink and is subscribed directly to the
// orchestrator's event bus (see cmd/main.go); the Record* methods can
// also be called on their own.
type Recorder struct {
	db  *gorm.DB
	log zerolog.Logger
}

// NewRecorder opens a MySQL connection and migrates the schema.
// dsn format: "user:password@tcp(host:port)/dbname?charset=utf8mb4&parseTime=True&loc=Local"
func NewRecorder(dsn string, logger zerolog.Logger) (*Recorder, error) {
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect mysql: %w", err)
	}
	return NewRecorderWithDB(gdb, logger)
}

// NewRecorderWithDB wraps an already-open GORM handle, migrating the
// schema if needed.
func NewRecorderWithDB(gdb *gorm.DB, logger zerolog.Logger) (*Recorder, error) {
	if err := gdb.AutoMigrate(&BalanceSnapshotRecord{}, &RebalanceReceiptRecord{}); err != nil {
		return nil, fmt.Errorf("db: migrate schema: %w", err)
	}
	return &Recorder{db: gdb, log: logger}, nil
}

// RecordBalances persists every (address, token) balance in a
// BalancesEvent's new snapshot.
func (r *Recorder) RecordBalances(ev walletfleet.BalancesEvent) error {
	now := time.Now()
	records := make([]BalanceSnapshotRecord, 0, len(ev.New))
	for address, balances := range ev.New {
		for _, bal := range balances {
			records = append(records, BalanceSnapshotRecord{
				Timestamp:        now,
				Chain:            string(ev.Chain()),
				Network:          string(ev.Network),
				Address:          address,
				Symbol:           bal.Symbol,
				TokenAddress:     bal.TokenAddress,
				RawBalance:       bal.RawBalance,
				FormattedBalance: bal.FormattedBalance,
			})
		}
	}
	if len(records) == 0 {
		return nil
	}
	if result := r.db.Create(&records); result.Error != nil {
		return fmt.Errorf("db: record balances: %w", result.Error)
	}
	return nil
}

// RecordRebalance persists every instruction receipt from a finished
// rebalance batch.
func (r *Recorder) RecordRebalance(ev walletfleet.RebalanceFinishedEvent) error {
	if len(ev.Receipts) == 0 {
		return nil
	}
	now := time.Now()
	records := make([]RebalanceReceiptRecord, 0, len(ev.Receipts))
	for _, receipt := range ev.Receipts {
		errMsg := ""
		if receipt.Err != nil {
			errMsg = receipt.Err.Error()
		}
		records = append(records, RebalanceReceiptRecord{
			Timestamp:     now,
			Chain:         string(ev.Chain()),
			Strategy:      ev.Strategy,
			SourceAddress: receipt.Instruction.SourceAddress,
			TargetAddress: receipt.Instruction.TargetAddress,
			Amount:        receipt.Instruction.Amount,
			Symbol:        receipt.Instruction.Token.Symbol,
			TxID:          receipt.Receipt.TxID,
			Success:       receipt.Receipt.Success,
			Err:           errMsg,
		})
	}
	if result := r.db.Create(&records); result.Error != nil {
		return fmt.Errorf("db: record rebalance receipts: %w", result.Error)
	}
	return nil
}

// Observe lets a Recorder be wired directly as an event subscriber
// alongside internal/metrics.Sink.Observe; unrelated event kinds are
// ignored.
func (r *Recorder) Observe(ev walletfleet.Event) {
	switch e := ev.(type) {
	case walletfleet.BalancesEvent:
		if err := r.RecordBalances(e); err != nil {
			r.log.Error().Err(err).Str("chain", string(e.Chain())).Msg("db: record balances failed")
		}
	case walletfleet.RebalanceFinishedEvent:
		if err := r.RecordRebalance(e); err != nil {
			r.log.Error().Err(err).Str("chain", string(e.Chain())).Msg("db: record rebalance receipts failed")
		}
	}
}

// Close closes the underlying connection.
func (r *Recorder) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("db: underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}
