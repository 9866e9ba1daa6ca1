package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/matt-riley/togglr/internal/core"
	"github.com/matt-riley/togglr/internal/repository"
)

func BenchmarkServiceEvaluateAll(b *testing.B) {
	for _, size := range []int{10, 100, 1000} {
		b.Run(fmt.Sprintf("flags=%d", size), func(b *testing.B) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			repo := newFakeServiceRepository()
			for i := range size {
				repo.setFlag(repository.Flag{
					ID:                uuid.NewString(),
					Name:              fmt.Sprintf("flag_%d", i),
					Enabled:           true,
					RolloutPercentage: i % 101,
					Rules: []repository.Rule{
						{ID: uuid.NewString(), Type: string(core.RuleTypeCountry), Value: "GB", Enabled: true},
						{ID: uuid.NewString(), Type: string(core.RuleTypePercentageGroup), Value: "25", Enabled: true, Priority: 1},
					},
				})
			}

			svc, err := New(ctx, repo)
			if err != nil {
				b.Fatalf("New() error = %v", err)
			}
			user := core.UserContext{UserID: "user-42", UserEmail: "ada@example.com", Country: "US"}

			b.ReportAllocs()
			for b.Loop() {
				if _, err := svc.EvaluateAll(ctx, user); err != nil {
					b.Fatalf("EvaluateAll() error = %v", err)
				}
			}
		})
	}
}

func BenchmarkServiceEvaluateFlag(b *testing.B) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo := newFakeServiceRepository()
	repo.setFlag(repository.Flag{ID: uuid.NewString(), Name: "checkout", Enabled: true, RolloutPercentage: 50})

	svc, err := New(ctx, repo)
	if err != nil {
		b.Fatalf("New() error = %v", err)
	}
	user := core.UserContext{UserID: "user-42"}

	b.ReportAllocs()
	for b.Loop() {
		if _, _, err := svc.EvaluateFlag(ctx, "checkout", user); err != nil {
			b.Fatalf("EvaluateFlag() error = %v", err)
		}
	}
}
