// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Transaction operations
	SaveTransaction(ctx context.Context, tenantID string, tx *Transaction) error
	GetTransaction(ctx context.Context, tenantID string, txID string) (*Transaction, error)
	GetTransactionsByPayer(ctx context.Context, tenantID string, payer string, since, before time.Time) ([]*Transaction, error)
	ListTransactions(ctx context.Context, tenantID string, since time.Time) ([]*Transaction, error)
	ListUnscoredTransactions(ctx context.Context, tenantID string, limit int) ([]*Transaction, error)

	// Feature vectors
	SaveFeatureVector(ctx context.Context, tenantID string, v *FeatureVector) error
	GetFeatureVector(ctx context.Context, tenantID string, txID string) (*FeatureVector, error)

	// Scores and explanations; both are append-only
	SaveScore(ctx context.Context, tenantID string, score *AnomalyScore) error
	ListScores(ctx context.Context, tenantID string, txID string) ([]*AnomalyScore, error)
	SaveExplanation(ctx context.Context, tenantID string, exp *Explanation) error
	GetExplanation(ctx context.Context, tenantID string, scoreID string) (*Explanation, error)

	// Model runs
	SaveModelRun(ctx context.Context, tenantID string, run *ModelRun) error
	LatestModelRun(ctx context.Context, tenantID string) (*ModelRun, error)

	// Review queue
	CreateReviewItem(ctx context.Context, tenantID string, item *ReviewItem) error
	UpdateReviewItem(ctx context.Context, tenantID string, item *ReviewItem, expectedVersion int64) error
	GetReviewItem(ctx context.Context, tenantID string, itemID string) (*ReviewItem, error)
	ListReviewItems(ctx context.Context, tenantID string) ([]*ReviewItem, error)
	ListReviewItemsSince(ctx context.Context, tenantID string, since time.Time) ([]*ReviewItem, error)
	SaveReviewEvent(ctx context.Context, tenantID string, ev *ReviewEvent) error
	ListReviewEvents(ctx context.Context, tenantID string, itemID string) ([]*ReviewEvent, error)
	ListTenants(ctx context.Context) ([]string, error)

	// Rule configuration operations
	SaveRuleConfig(ctx context.Context, tenantID string, rule *RuleConfig) error
	GetRuleConfig(ctx context.Context, tenantID string, ruleID string) (*RuleConfig, error)
	ListRuleConfigs(ctx context.Context, tenantID string) ([]*RuleConfig, error)

	// Reviewers
	CreateReviewer(ctx context.Context, rv *Reviewer) error
	GetReviewerByKeyHash(ctx context.Context, keyHash string) (*Reviewer, error)
	ListReviewers(ctx context.Context, tenantID string) ([]*Reviewer, error)
	RevokeReviewer(ctx context.Context, tenantID string, id string) error

	// Reporting
	Summary(ctx context.Context, tenantID string) (*Summary, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `mapstructure:"driver"`

	// SQLite specific
	SQLitePath string `mapstructure:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"`
	PostgresDB       string `mapstructure:"postgres_db"`
	PostgresSSLMode  string `mapstructure:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}
