package backend

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"feeledger/internal/amqp"
	"feeledger/internal/log"
	"feeledger/internal/storage"
	"feeledger/internal/storage/memory"
)

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *log.Logger
}

func NewFactory(logger *log.Logger) Factory {
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	return &DefaultFactory{logger: logger.WithComponent(log.ComponentBackend)}
}

// CreateBackend implements Factory.CreateBackend
func (f *DefaultFactory) CreateBackend(ctx context.Context, config Config) (*BackendResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.DataDirectory == "" {
		config.DataDirectory = "data"
	}

	var (
		res *BackendResult
		err error
	)
	switch config.Type {
	case SQLiteBackend:
		res, err = f.createSQLiteBackend(ctx, config)
	case MemoryBackend:
		res, err = f.createMemoryBackend(config)
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
	if err != nil {
		return nil, err
	}

	res.AMQP = f.connectAMQP(config)
	storeCleanup := res.Cleanup
	res.Cleanup = func() error {
		var errs []error
		if res.AMQP != nil {
			errs = append(errs, res.AMQP.Close())
		}
		if storeCleanup != nil {
			errs = append(errs, storeCleanup())
		}
		return errors.Join(errs...)
	}
	return res, nil
}

func (f *DefaultFactory) createSQLiteBackend(ctx context.Context, config Config) (*BackendResult, error) {
	repo, err := storage.NewSQLiteRepository(config.SQLiteDBPath, f.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite repository: %w", err)
	}

	// The student directory is owned elsewhere; its export is upserted on
	// every start so renames and rent changes flow in.
	students, err := storage.LoadStudentsCSV(filepath.Join(config.DataDirectory, "students.csv"))
	if err != nil {
		repo.Close()
		return nil, err
	}
	for _, st := range students {
		if err := repo.UpsertStudent(ctx, st); err != nil {
			repo.Close()
			return nil, fmt.Errorf("import student %s: %w", st.ID, err)
		}
	}

	f.logger.Info("Initialized SQLite backend",
		"db_path", config.SQLiteDBPath,
		"students_imported", len(students))
	return &BackendResult{Store: repo, Cleanup: repo.Close}, nil
}

func (f *DefaultFactory) createMemoryBackend(config Config) (*BackendResult, error) {
	store, err := memory.NewFromFiles(config.DataDirectory)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize memory backend: %w", err)
	}
	f.logger.Info("Initialized memory backend", "data_directory", config.DataDirectory)
	return &BackendResult{Store: store, Cleanup: store.Close}, nil
}

// connectAMQP is best effort: the ledger runs without events and the audit
// worker falls back to periodic scans.
func (f *DefaultFactory) connectAMQP(config Config) *amqp.Client {
	if config.AMQPURL == "" {
		return nil
	}
	client, err := amqp.NewClient(config.AMQPURL, config.AMQPExchange, config.AMQPQueue, f.logger)
	if err != nil {
		f.logger.Warn("Failed to initialize AMQP client, continuing without events", log.FieldError, err)
		return nil
	}
	f.logger.Info("Initialized AMQP client",
		"exchange", config.AMQPExchange,
		"queue", config.AMQPQueue)
	return client
}
