package breaker

import (
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/tkersh/orderworker/internal/config"
	apperrors "github.com/tkersh/orderworker/internal/errors"
)

var _ = Describe("Breaker", func() {
	var (
		b           *Breaker
		unavailable *apperrors.AppError
	)

	newBreaker := func(threshold int, cooldown time.Duration) *Breaker {
		return New(config.BreakerConfig{
			FailureThreshold: threshold,
			Cooldown:         config.Duration(cooldown),
		}, zap.NewNop())
	}

	BeforeEach(func() {
		unavailable = apperrors.New(apperrors.KindUnavailable, "connection refused")
		b = newBreaker(3, 50*time.Millisecond)
	})

	Describe("closed state", func() {
		It("starts closed", func() {
			Expect(b.State()).To(Equal(StateClosed))
		})

		It("passes successful calls through", func() {
			err := b.Execute(func() error { return nil })
			Expect(err).NotTo(HaveOccurred())
			Expect(b.State()).To(Equal(StateClosed))
		})

		It("stays closed below the failure threshold", func() {
			for i := 0; i < 2; i++ {
				_ = b.Execute(func() error { return unavailable })
			}
			Expect(b.State()).To(Equal(StateClosed))
		})

		It("trips open at the consecutive failure threshold", func() {
			for i := 0; i < 3; i++ {
				_ = b.Execute(func() error { return unavailable })
			}
			Expect(b.State()).To(Equal(StateOpen))
		})

		It("resets the failure run on success", func() {
			_ = b.Execute(func() error { return unavailable })
			_ = b.Execute(func() error { return unavailable })
			_ = b.Execute(func() error { return nil })
			_ = b.Execute(func() error { return unavailable })
			_ = b.Execute(func() error { return unavailable })
			Expect(b.State()).To(Equal(StateClosed))
		})

		It("does not trip on business errors", func() {
			notFound := apperrors.New(apperrors.KindNotFound, "user does not exist")
			for i := 0; i < 10; i++ {
				_ = b.Execute(func() error { return notFound })
			}
			Expect(b.State()).To(Equal(StateClosed))
		})

		It("resets the failure run when a business error proves the database answered", func() {
			_ = b.Execute(func() error { return unavailable })
			_ = b.Execute(func() error { return unavailable })
			_ = b.Execute(func() error { return apperrors.New(apperrors.KindNotFound, "no rows") })
			_ = b.Execute(func() error { return unavailable })
			Expect(b.State()).To(Equal(StateClosed))
		})
	})

	Describe("open state", func() {
		BeforeEach(func() {
			for i := 0; i < 3; i++ {
				_ = b.Execute(func() error { return unavailable })
			}
			Expect(b.State()).To(Equal(StateOpen))
		})

		It("fails fast without touching the guarded operation", func() {
			var calls atomic.Int32
			err := b.Execute(func() error {
				calls.Add(1)
				return nil
			})
			Expect(apperrors.IsKind(err, apperrors.KindCircuitOpen)).To(BeTrue())
			Expect(apperrors.IsTransient(err)).To(BeTrue())
			Expect(calls.Load()).To(Equal(int32(0)))
		})

		It("moves to half-open after the cooldown", func() {
			Eventually(b.State, "500ms", "10ms").Should(Equal(StateHalfOpen))
		})
	})

	Describe("half-open state", func() {
		BeforeEach(func() {
			for i := 0; i < 3; i++ {
				_ = b.Execute(func() error { return unavailable })
			}
			Eventually(b.State, "500ms", "10ms").Should(Equal(StateHalfOpen))
		})

		It("closes on a successful probe", func() {
			err := b.Execute(func() error { return nil })
			Expect(err).NotTo(HaveOccurred())
			Expect(b.State()).To(Equal(StateClosed))
		})

		It("reopens on a failed probe", func() {
			_ = b.Execute(func() error { return unavailable })
			Expect(b.State()).To(Equal(StateOpen))
		})

		It("admits at most one concurrent probe", func() {
			probeStarted := make(chan struct{})
			release := make(chan struct{})
			var wg sync.WaitGroup

			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = b.Execute(func() error {
					close(probeStarted)
					<-release
					return nil
				})
			}()

			<-probeStarted
			var calls atomic.Int32
			err := b.Execute(func() error {
				calls.Add(1)
				return nil
			})
			Expect(apperrors.IsKind(err, apperrors.KindCircuitOpen)).To(BeTrue())
			Expect(calls.Load()).To(Equal(int32(0)))

			close(release)
			wg.Wait()
			Expect(b.State()).To(Equal(StateClosed))
		})
	})

	Describe("recovery cycle", func() {
		It("walks open, half-open, closed when the database returns", func() {
			for i := 0; i < 3; i++ {
				_ = b.Execute(func() error { return unavailable })
			}
			Expect(b.State()).To(Equal(StateOpen))

			Eventually(b.State, "500ms", "10ms").Should(Equal(StateHalfOpen))

			err := b.Execute(func() error { return nil })
			Expect(err).NotTo(HaveOccurred())
			Expect(b.State()).To(Equal(StateClosed))
		})
	})
})
