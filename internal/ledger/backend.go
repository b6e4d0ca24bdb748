package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	pkgaws "github.com/angelmondragon/immsbatch/pkg/aws"
	"github.com/angelmondragon/immsbatch/pkg/config"
	"github.com/angelmondragon/immsbatch/pkg/db"
	"github.com/angelmondragon/immsbatch/pkg/logger"
	"github.com/angelmondragon/immsbatch/pkg/migrate"
)

// Backend bundles the selected ledger store with its lifecycle hooks. Purger is
// nil for backends that expire records natively.
type Backend struct {
	Store  Store
	Purger Purger
	ping   func(context.Context) error
	close  func() error
}

// Ping checks the ledger is reachable.
func (b *Backend) Ping(ctx context.Context) error {
	if b == nil || b.ping == nil {
		return nil
	}
	return b.ping(ctx)
}

// Close releases backend resources.
func (b *Backend) Close() error {
	if b == nil || b.close == nil {
		return nil
	}
	return b.close()
}

// NewBackend builds the store chosen by IMMSBATCH_LEDGER_BACKEND.
func NewBackend(ctx context.Context, cfg *config.Config, logg *logger.Logger) (*Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Ledger.Backend)) {
	case config.LedgerBackendDynamo:
		awsCfg, err := pkgaws.LoadConfig(ctx, cfg.AWS)
		if err != nil {
			return nil, err
		}
		client := pkgaws.NewDynamoDB(awsCfg, cfg.AWS.Endpoint)
		store, err := NewDynamoStore(client, cfg.Ledger)
		if err != nil {
			return nil, err
		}
		return &Backend{
			Store: store,
			ping: func(ctx context.Context) error {
				_, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(store.table)})
				return err
			},
		}, nil
	case config.LedgerBackendPostgres, "":
		client, err := db.New(ctx, cfg.DB, cfg.Features.UseSQLite, logg)
		if err != nil {
			return nil, err
		}
		if err := migrate.MaybeRunDev(ctx, cfg, logg, client); err != nil {
			_ = client.Close()
			return nil, err
		}
		store, err := NewPostgresStore(client.DB())
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return &Backend{Store: store, Purger: store, ping: client.Ping, close: client.Close}, nil
	default:
		return nil, fmt.Errorf("unsupported ledger backend %q", cfg.Ledger.Backend)
	}
}
