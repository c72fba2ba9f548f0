package cli

import (
	"context"
	"io"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tradechat/pkg/adapter"
	"github.com/m-mizutani/tradechat/pkg/checkpoint"
	"github.com/m-mizutani/tradechat/pkg/memory"
	"github.com/m-mizutani/tradechat/pkg/model"
	"github.com/m-mizutani/tradechat/pkg/policy"
	"github.com/m-mizutani/tradechat/pkg/report"
	"github.com/m-mizutani/tradechat/pkg/repository"
	"github.com/m-mizutani/tradechat/pkg/retriever"
	"github.com/m-mizutani/tradechat/pkg/usecase/chat"
	"github.com/m-mizutani/tradechat/pkg/utils/logging"
	goredis "github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"
)

// config holds configuration values
type config struct {
	// Global
	project  string
	database string
	logLevel string

	// LLM
	geminiProject   string
	geminiLocation  string
	generativeModel string
	embeddingModel  string
	embeddingDim    int64

	// Stores
	memoryBackend     string
	checkpointBackend string
	bucket            string
	checkpointPrefix  string
	redisAddr         string
	redisPassword     string
	redisDB           int64
	redisTTL          time.Duration

	// Trade reports
	labelFile        string
	supplierFile     string
	bigqueryProject  string
	bigqueryLocation string
	bigqueryTable    string

	// Chat
	userID          string
	policyDir       string
	historyLimit    int64
	memoryThreshold float64
}

const (
	backendMemory    = "memory"
	backendFirestore = "firestore"
	backendStorage   = "storage"
	backendRedis     = "redis"
)

// globalFlags returns common flags used across commands with destination config
func globalFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "project",
			Aliases:     []string{"p"},
			Usage:       "Google Cloud project ID",
			Sources:     cli.EnvVars("GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.project,
		},
		&cli.StringFlag{
			Name:        "database",
			Aliases:     []string{"d"},
			Usage:       "Firestore database ID",
			Value:       "(default)",
			Sources:     cli.EnvVars("FIRESTORE_DATABASE_ID"),
			Destination: &cfg.database,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("TRADECHAT_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
	}
}

// llmFlags returns flags for LLM-related configuration with destination config
func llmFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "gemini-project",
			Usage:       "Google Cloud project ID for Gemini (default: --project)",
			Sources:     cli.EnvVars("GEMINI_PROJECT_ID"),
			Destination: &cfg.geminiProject,
		},
		&cli.StringFlag{
			Name:        "gemini-location",
			Usage:       "Google Cloud location for Gemini",
			Value:       "us-central1",
			Sources:     cli.EnvVars("GEMINI_LOCATION"),
			Destination: &cfg.geminiLocation,
		},
		&cli.StringFlag{
			Name:        "gemini-model",
			Usage:       "Generative model name",
			Value:       "gemini-2.5-flash",
			Sources:     cli.EnvVars("GEMINI_MODEL"),
			Destination: &cfg.generativeModel,
		},
		&cli.StringFlag{
			Name:        "embedding-model",
			Usage:       "Embedding model name",
			Value:       "gemini-embedding-001",
			Sources:     cli.EnvVars("GEMINI_EMBEDDING_MODEL"),
			Destination: &cfg.embeddingModel,
		},
		&cli.IntFlag{
			Name:        "embedding-dimension",
			Usage:       "Embedding output dimensionality",
			Value:       adapter.DefaultEmbeddingDimension,
			Sources:     cli.EnvVars("GEMINI_EMBEDDING_DIMENSION"),
			Destination: &cfg.embeddingDim,
		},
	}
}

// storeFlags returns flags for memory and checkpoint persistence
func storeFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "memory-backend",
			Usage:       "Long-term memory backend (memory, firestore)",
			Value:       backendMemory,
			Sources:     cli.EnvVars("TRADECHAT_MEMORY_BACKEND"),
			Destination: &cfg.memoryBackend,
		},
		&cli.StringFlag{
			Name:        "checkpoint-backend",
			Usage:       "Thread checkpoint backend (memory, storage, redis)",
			Value:       backendMemory,
			Sources:     cli.EnvVars("TRADECHAT_CHECKPOINT_BACKEND"),
			Destination: &cfg.checkpointBackend,
		},
		&cli.StringFlag{
			Name:        "bucket",
			Usage:       "Cloud Storage bucket for checkpoints",
			Sources:     cli.EnvVars("TRADECHAT_BUCKET"),
			Destination: &cfg.bucket,
		},
		&cli.StringFlag{
			Name:        "checkpoint-prefix",
			Usage:       "Object prefix for checkpoints in Cloud Storage",
			Value:       "threads",
			Sources:     cli.EnvVars("TRADECHAT_CHECKPOINT_PREFIX"),
			Destination: &cfg.checkpointPrefix,
		},
		&cli.StringFlag{
			Name:        "redis-addr",
			Usage:       "Redis address for checkpoints (host:port)",
			Value:       "localhost:6379",
			Sources:     cli.EnvVars("TRADECHAT_REDIS_ADDR"),
			Destination: &cfg.redisAddr,
		},
		&cli.StringFlag{
			Name:        "redis-password",
			Usage:       "Redis password",
			Sources:     cli.EnvVars("TRADECHAT_REDIS_PASSWORD"),
			Destination: &cfg.redisPassword,
		},
		&cli.IntFlag{
			Name:        "redis-db",
			Usage:       "Redis database number",
			Sources:     cli.EnvVars("TRADECHAT_REDIS_DB"),
			Destination: &cfg.redisDB,
		},
		&cli.DurationFlag{
			Name:        "redis-ttl",
			Usage:       "Expiration of checkpoints in Redis (0 keeps them)",
			Sources:     cli.EnvVars("TRADECHAT_REDIS_TTL"),
			Destination: &cfg.redisTTL,
		},
	}
}

// dataFlags returns flags for trade report sources
func dataFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "label-file",
			Usage:       "JSON file of reports aggregated by product label",
			Value:       "report_by_label.json",
			Sources:     cli.EnvVars("TRADECHAT_LABEL_FILE"),
			Destination: &cfg.labelFile,
		},
		&cli.StringFlag{
			Name:        "supplier-file",
			Usage:       "JSON file of reports aggregated by supplier",
			Value:       "report_by_supplier.json",
			Sources:     cli.EnvVars("TRADECHAT_SUPPLIER_FILE"),
			Destination: &cfg.supplierFile,
		},
		&cli.StringFlag{
			Name:        "bigquery-table",
			Usage:       "Transactions table (project.dataset.table). Reports are aggregated from it instead of files",
			Sources:     cli.EnvVars("TRADECHAT_BIGQUERY_TABLE"),
			Destination: &cfg.bigqueryTable,
		},
		&cli.StringFlag{
			Name:        "bigquery-project",
			Usage:       "Project that runs BigQuery jobs (default: --project)",
			Sources:     cli.EnvVars("TRADECHAT_BIGQUERY_PROJECT"),
			Destination: &cfg.bigqueryProject,
		},
		&cli.StringFlag{
			Name:        "bigquery-location",
			Usage:       "BigQuery job location",
			Sources:     cli.EnvVars("TRADECHAT_BIGQUERY_LOCATION"),
			Destination: &cfg.bigqueryLocation,
		},
	}
}

// chatFlags returns flags for the conversation itself
func chatFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "user-id",
			Aliases:     []string{"u"},
			Usage:       "User ID that owns memories and threads",
			Value:       string(model.DefaultUserID),
			Sources:     cli.EnvVars("TRADECHAT_USER_ID"),
			Destination: &cfg.userID,
		},
		&cli.StringFlag{
			Name:        "policy-dir",
			Usage:       "Directory of Rego policies filtering memories before they are saved",
			Sources:     cli.EnvVars("TRADECHAT_POLICY_DIR"),
			Destination: &cfg.policyDir,
		},
		&cli.IntFlag{
			Name:        "history-limit",
			Usage:       "Number of recent messages used to rewrite follow-up questions",
			Value:       model.RecentMessageLimit,
			Sources:     cli.EnvVars("TRADECHAT_HISTORY_LIMIT"),
			Destination: &cfg.historyLimit,
		},
		&cli.FloatFlag{
			Name:        "memory-threshold",
			Usage:       "Minimum similarity for a memory to be used in answers",
			Value:       chat.DefaultMemoryThreshold,
			Sources:     cli.EnvVars("TRADECHAT_MEMORY_THRESHOLD"),
			Destination: &cfg.memoryThreshold,
		},
	}
}

// withLogger sets up the context logger
func (cfg *config) withLogger(ctx context.Context, w io.Writer) context.Context {
	logger := logging.New(cfg.logLevel, w)
	logging.SetDefault(logger)
	return logging.With(ctx, logger)
}

// newGemini creates a new Gemini adapter instance
func (cfg *config) newGemini(ctx context.Context) (adapter.Gemini, error) {
	project := cfg.geminiProject
	if project == "" {
		project = cfg.project
	}
	if project == "" {
		return nil, goerr.New("gemini-project or project is required")
	}
	if cfg.geminiLocation == "" {
		return nil, goerr.New("gemini-location is required")
	}

	gemini, err := adapter.NewGemini(ctx, project, cfg.geminiLocation,
		adapter.WithGenerativeModel(cfg.generativeModel),
		adapter.WithEmbeddingModel(cfg.embeddingModel),
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create gemini client")
	}
	return gemini, nil
}

// newRepository creates a new repository instance
func (cfg *config) newRepository() (repository.Repository, error) {
	switch cfg.memoryBackend {
	case backendMemory:
		return repository.NewMemory(), nil

	case backendFirestore:
		if cfg.project == "" {
			return nil, goerr.New("project is required")
		}
		if cfg.database == "" {
			return nil, goerr.New("database is required")
		}
		repo, err := repository.New(cfg.project, cfg.database)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create repository")
		}
		return repo, nil
	}

	return nil, goerr.New("unknown memory backend", goerr.V("backend", cfg.memoryBackend))
}

func (cfg *config) newMemoryStore(gemini adapter.Gemini) (*memory.Store, error) {
	repo, err := cfg.newRepository()
	if err != nil {
		return nil, err
	}
	return memory.New(repo, gemini, memory.WithDimension(int(cfg.embeddingDim))), nil
}

// newStorage creates a new Storage adapter instance
func (cfg *config) newStorage(ctx context.Context) (adapter.Storage, error) {
	if cfg.bucket == "" {
		return nil, goerr.New("bucket is required")
	}

	storage, err := adapter.NewStorage(ctx, cfg.bucket)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage")
	}
	return storage, nil
}

func (cfg *config) newCheckpointer(ctx context.Context) (checkpoint.Checkpointer, error) {
	switch cfg.checkpointBackend {
	case backendMemory:
		return checkpoint.NewMemory(), nil

	case backendStorage:
		storage, err := cfg.newStorage(ctx)
		if err != nil {
			return nil, err
		}
		return checkpoint.NewStorage(storage, cfg.checkpointPrefix), nil

	case backendRedis:
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.redisAddr,
			Password: cfg.redisPassword,
			DB:       int(cfg.redisDB),
		})
		cpr, err := checkpoint.NewRedis(ctx, rdb, checkpoint.WithRedisTTL(cfg.redisTTL))
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create redis checkpointer", goerr.V("addr", cfg.redisAddr))
		}
		return cpr, nil
	}

	return nil, goerr.New("unknown checkpoint backend", goerr.V("backend", cfg.checkpointBackend))
}

// loadReports reads trade reports from BigQuery when a table is given, or
// from the JSON files otherwise
func (cfg *config) loadReports(ctx context.Context) ([]*model.LabelReport, []*model.SupplierReport, error) {
	if cfg.bigqueryTable == "" {
		labels, err := report.LoadLabelFile(cfg.labelFile)
		if err != nil {
			return nil, nil, err
		}
		suppliers, err := report.LoadSupplierFile(cfg.supplierFile)
		if err != nil {
			return nil, nil, err
		}
		return labels, suppliers, nil
	}

	project := cfg.bigqueryProject
	if project == "" {
		project = cfg.project
	}
	if project == "" {
		return nil, nil, goerr.New("bigquery-project or project is required")
	}

	var opts []adapter.BigQueryOption
	if cfg.bigqueryLocation != "" {
		opts = append(opts, adapter.WithLocation(cfg.bigqueryLocation))
	}
	client, err := adapter.NewBigQuery(ctx, project, opts...)
	if err != nil {
		return nil, nil, goerr.Wrap(err, "failed to create bigquery client")
	}

	src, err := report.NewBigQuerySource(client, cfg.bigqueryTable)
	if err != nil {
		return nil, nil, err
	}
	labels, err := src.LabelReports(ctx)
	if err != nil {
		return nil, nil, err
	}
	suppliers, err := src.SupplierReports(ctx)
	if err != nil {
		return nil, nil, err
	}
	return labels, suppliers, nil
}

// newRetrievers builds the label and supplier retrievers, each with the
// superlative post-filter
func (cfg *config) newRetrievers(ctx context.Context, gemini adapter.Gemini) (label, supplier retriever.Retriever, err error) {
	labels, suppliers, err := cfg.loadReports(ctx)
	if err != nil {
		return nil, nil, err
	}
	logging.From(ctx).Info("trade reports loaded", "labels", len(labels), "suppliers", len(suppliers))

	dim := retriever.WithDimension(int(cfg.embeddingDim))

	labelBase, err := retriever.NewSelfQuery(ctx, gemini, retriever.LabelDomain(), report.LabelDocuments(labels), dim)
	if err != nil {
		return nil, nil, goerr.Wrap(err, "failed to build label retriever")
	}
	supplierBase, err := retriever.NewSelfQuery(ctx, gemini, retriever.SupplierDomain(), report.SupplierDocuments(suppliers), dim)
	if err != nil {
		return nil, nil, goerr.Wrap(err, "failed to build supplier retriever")
	}

	label = retriever.NewSuperlative(labelBase, retriever.NewClassifier(gemini, retriever.LabelDomain()))
	supplier = retriever.NewSuperlative(supplierBase, retriever.NewClassifier(gemini, retriever.SupplierDomain()))
	return label, supplier, nil
}

func (cfg *config) newPolicy(ctx context.Context) (*policy.MemoryPolicy, error) {
	if cfg.policyDir == "" {
		return nil, nil
	}
	p, err := policy.Load(ctx, cfg.policyDir)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load memory policy", goerr.V("dir", cfg.policyDir))
	}
	return p, nil
}

// newOrchestrator wires every capability of a chat turn
func (cfg *config) newOrchestrator(ctx context.Context) (*chat.Orchestrator, *memory.Store, error) {
	gemini, err := cfg.newGemini(ctx)
	if err != nil {
		return nil, nil, err
	}

	label, supplier, err := cfg.newRetrievers(ctx, gemini)
	if err != nil {
		return nil, nil, err
	}

	store, err := cfg.newMemoryStore(gemini)
	if err != nil {
		return nil, nil, err
	}

	cpr, err := cfg.newCheckpointer(ctx)
	if err != nil {
		return nil, nil, err
	}

	p, err := cfg.newPolicy(ctx)
	if err != nil {
		return nil, nil, err
	}

	orch := chat.New(gemini, label, supplier, store, cpr,
		chat.WithUserID(model.UserID(cfg.userID)),
		chat.WithPolicy(p),
		chat.WithHistoryLimit(int(cfg.historyLimit)),
		chat.WithMemoryThreshold(cfg.memoryThreshold),
	)
	return orch, store, nil
}
