package secrets

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/smithy-go"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tkersh/orderworker/internal/config"
	apperrors "github.com/tkersh/orderworker/internal/errors"
)

const secretPayload = `{"username":"orders_rw","password":"s3cr3t-hunter2","host":"db.internal","port":5432,"database":"orders"}`

// fakeSecretStore scripts GetSecretValue responses. Errors are returned
// until they run out, then the payload is served.
type fakeSecretStore struct {
	errs    []error
	payload string
	calls   atomic.Int32
}

func (f *fakeSecretStore) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	n := int(f.calls.Add(1))
	if n <= len(f.errs) {
		return nil, f.errs[n-1]
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(f.payload)}, nil
}

type apiError struct{ code string }

func (e *apiError) Error() string                 { return e.code }
func (e *apiError) ErrorCode() string             { return e.code }
func (e *apiError) ErrorMessage() string          { return e.code }
func (e *apiError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }

var _ = Describe("Provider", func() {
	var (
		store    *fakeSecretStore
		logs     *observer.ObservedLogs
		provider *Provider
		cfg      config.SecretsConfig
		ctx      context.Context
	)

	BeforeEach(func() {
		store = &fakeSecretStore{payload: secretPayload}
		core, observed := observer.New(zap.DebugLevel)
		logs = observed
		cfg = config.SecretsConfig{
			SecretName:     "orders/db-credentials",
			InitialBackoff: config.Duration(time.Millisecond),
			MaxBackoff:     config.Duration(5 * time.Millisecond),
			MaxAttempts:    3,
		}
		provider = NewProvider(store, cfg, zap.New(core))
		ctx = context.Background()
	})

	Describe("Fetch", func() {
		It("decodes the credential record", func() {
			cred, err := provider.Fetch(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(cred.Username).To(Equal("orders_rw"))
			Expect(cred.Host).To(Equal("db.internal"))
			Expect(cred.Port).To(Equal(5432))
			Expect(cred.Database).To(Equal("orders"))
		})

		It("classifies a missing secret as not_found", func() {
			store.errs = []error{&types.ResourceNotFoundException{}}
			_, err := provider.Fetch(ctx)
			Expect(apperrors.IsKind(err, apperrors.KindNotFound)).To(BeTrue())
		})

		It("classifies access denial as unauthorized", func() {
			store.errs = []error{&apiError{code: "AccessDeniedException"}}
			_, err := provider.Fetch(ctx)
			Expect(apperrors.IsKind(err, apperrors.KindUnauthorized)).To(BeTrue())
		})

		It("classifies transport failures as unavailable", func() {
			store.errs = []error{errors.New("dial tcp: i/o timeout")}
			_, err := provider.Fetch(ctx)
			Expect(apperrors.IsKind(err, apperrors.KindUnavailable)).To(BeTrue())
		})

		It("rejects a secret that is not a credential record", func() {
			store.payload = `{"user":"nope"}`
			_, err := provider.Fetch(ctx)
			Expect(apperrors.IsKind(err, apperrors.KindInternal)).To(BeTrue())
		})
	})

	Describe("FetchWithRetry", func() {
		It("retries transport failures until success", func() {
			store.errs = []error{
				errors.New("dial tcp: connection refused"),
				errors.New("dial tcp: connection refused"),
			}
			cred, err := provider.FetchWithRetry(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(cred.Username).To(Equal("orders_rw"))
			Expect(store.calls.Load()).To(Equal(int32(3)))
		})

		It("gives up after the configured attempts with a fatal error", func() {
			store.errs = []error{
				errors.New("dial tcp: connection refused"),
				errors.New("dial tcp: connection refused"),
				errors.New("dial tcp: connection refused"),
				errors.New("dial tcp: connection refused"),
			}
			_, err := provider.FetchWithRetry(ctx)
			Expect(apperrors.IsFatal(err)).To(BeTrue())
			Expect(store.calls.Load()).To(Equal(int32(3)))
		})

		It("does not retry a missing secret", func() {
			store.errs = []error{&types.ResourceNotFoundException{}, &types.ResourceNotFoundException{}}
			_, err := provider.FetchWithRetry(ctx)
			Expect(err).To(HaveOccurred())
			Expect(store.calls.Load()).To(Equal(int32(1)))
		})
	})

	Describe("secret hygiene", func() {
		It("never logs the raw password", func() {
			store.errs = []error{errors.New("dial tcp: connection refused")}
			_, err := provider.FetchWithRetry(ctx)
			Expect(err).NotTo(HaveOccurred())

			for _, entry := range logs.All() {
				Expect(entry.Message).NotTo(ContainSubstring("s3cr3t-hunter2"))
				for _, field := range entry.Context {
					Expect(fmt.Sprint(field.String)).NotTo(ContainSubstring("s3cr3t-hunter2"))
					Expect(fmt.Sprint(field.Interface)).NotTo(ContainSubstring("s3cr3t-hunter2"))
				}
			}
		})

		It("fingerprints the password by length and hash only", func() {
			cred, err := provider.Fetch(ctx)
			Expect(err).NotTo(HaveOccurred())

			fp := cred.Fingerprint()
			Expect(fp).To(HavePrefix("len=14"))
			Expect(fp).To(ContainSubstring("sha256="))
			Expect(fp).NotTo(ContainSubstring("s3cr3t-hunter2"))
		})

		It("carries the password only in the connection string", func() {
			cred, err := provider.Fetch(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(cred.ConnString()).To(ContainSubstring("password=s3cr3t-hunter2"))
		})
	})
})
