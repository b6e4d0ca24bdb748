package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/angelmondragon/immsbatch/pkg/config"
	"github.com/angelmondragon/immsbatch/pkg/logger"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type runner interface {
	Run(ctx context.Context) error
}

type ServiceParams struct {
	Config    *config.Config
	Logger    *logger.Logger
	Ledger    pinger
	Artifacts pinger
	Redis     pinger
	PubSub    pinger
	Intake    runner
	Admission runner
}

// Service runs the intake and admission consumers side by side. Either one
// stopping stops the worker so the platform restarts it.
type Service struct {
	cfg       *config.Config
	logg      *logger.Logger
	deps      []dependency
	intake    runner
	admission runner
}

type dependency struct {
	name string
	ping pinger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if params.Artifacts == nil {
		return nil, errors.New("artifact store is required")
	}
	if params.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if params.PubSub == nil {
		return nil, errors.New("pubsub client is required")
	}
	if params.Intake == nil {
		return nil, errors.New("intake consumer is required")
	}
	if params.Admission == nil {
		return nil, errors.New("admission consumer is required")
	}

	return &Service{
		cfg:  params.Config,
		logg: params.Logger,
		deps: []dependency{
			{name: "ledger", ping: params.Ledger},
			{name: "artifacts", ping: params.Artifacts},
			{name: "redis", ping: params.Redis},
			{name: "pubsub", ping: params.PubSub},
		},
		intake:    params.Intake,
		admission: params.Admission,
	}, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	for _, dep := range s.deps {
		if err := pingDependency(ctx, s.logg, dep.name, dep.ping.Ping); err != nil {
			return err
		}
	}
	s.logg.Info(ctx, "all worker dependencies are ready")
	return nil
}

func pingDependency(ctx context.Context, logg *logger.Logger, name string, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		logg.Error(ctx, fmt.Sprintf("%s ping failed", name), err)
		return fmt.Errorf("%s ping failed: %w", name, err)
	}
	return nil
}

func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- wrapStopped("intake consumer", s.intake.Run(ctx))
	}()
	go func() {
		errCh <- wrapStopped("admission consumer", s.admission.Run(ctx))
	}()

	select {
	case <-ctx.Done():
		s.logg.Info(ctx, "worker context canceled")
		return ctx.Err()
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logg.Error(ctx, "consumer stopped unexpectedly", err)
			return err
		}
		if err == nil {
			return errors.New("consumer returned without error")
		}
		return err
	}
}

func wrapStopped(name string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%s: %w", name, err)
}
