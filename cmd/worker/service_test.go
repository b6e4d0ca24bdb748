package main

import (
	"context"
	"errors"
	"testing"

	"github.com/angelmondragon/immsbatch/pkg/config"
	"github.com/angelmondragon/immsbatch/pkg/logger"
)

type fakePinger struct {
	err   error
	calls int
}

func (f *fakePinger) Ping(context.Context) error {
	f.calls++
	return f.err
}

type fakeRunner struct {
	err   error
	block bool
}

func (f *fakeRunner) Run(ctx context.Context) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.err
}

func newTestService(t *testing.T, redis *fakePinger, intake, adm *fakeRunner) *Service {
	t.Helper()
	svc, err := NewService(ServiceParams{
		Config:    &config.Config{},
		Logger:    logger.Nop(),
		Ledger:    &fakePinger{},
		Artifacts: &fakePinger{},
		Redis:     redis,
		PubSub:    &fakePinger{},
		Intake:    intake,
		Admission: adm,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestServiceRunFailsReadiness(t *testing.T) {
	redis := &fakePinger{err: errors.New("connection refused")}
	svc := newTestService(t, redis, &fakeRunner{block: true}, &fakeRunner{block: true})

	err := svc.Run(context.Background())
	if err == nil {
		t.Fatalf("expected readiness error")
	}
	if redis.calls != 1 {
		t.Fatalf("expected redis to be pinged once, got %d", redis.calls)
	}
}

func TestServiceRunStopsWhenConsumerFails(t *testing.T) {
	stopped := errors.New("subscription deleted")
	svc := newTestService(t, &fakePinger{}, &fakeRunner{block: true}, &fakeRunner{err: stopped})

	err := svc.Run(context.Background())
	if !errors.Is(err, stopped) {
		t.Fatalf("expected consumer error, got %v", err)
	}
}

func TestServiceRunReturnsOnCancel(t *testing.T) {
	svc := newTestService(t, &fakePinger{}, &fakeRunner{block: true}, &fakeRunner{block: true})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := svc.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}

func TestNewServiceRequiresConsumers(t *testing.T) {
	_, err := NewService(ServiceParams{
		Config:    &config.Config{},
		Logger:    logger.Nop(),
		Ledger:    &fakePinger{},
		Artifacts: &fakePinger{},
		Redis:     &fakePinger{},
		PubSub:    &fakePinger{},
	})
	if err == nil {
		t.Fatalf("expected error without consumers")
	}
}
