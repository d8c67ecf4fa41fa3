// Package certificate issues completion certificates once every catalog
// module is complete. The certificate document is a JSON file kept in object
// storage; the database row holds the public verification code.
package certificate

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"

	"github.com/awarelab/awarelab/internal/database"
	"github.com/awarelab/awarelab/internal/progress"
	"github.com/awarelab/awarelab/internal/webhook"
)

const (
	codeAlphabet   = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength     = 10
	downloadExpiry = 15 * time.Minute
	issuerName     = "AwareLab Security Awareness Training"
)

var (
	ErrNotEligible = errors.New("not all modules are completed")
	ErrNotFound    = errors.New("certificate not found")
)

type ObjectStore interface {
	PutObject(ctx context.Context, key string, body []byte, contentType string) error
	GenerateDownloadURL(ctx context.Context, key string, filename string, expiry time.Duration) (string, error)
	DeleteObject(ctx context.Context, key string) error
}

type ProgressReader interface {
	Dashboard(ctx context.Context, userID string) (progress.Dashboard, error)
}

type Certificate struct {
	ID               string    `json:"id"`
	VerificationCode string    `json:"verificationCode"`
	ObjectKey        string    `json:"-"`
	IssuedAt         time.Time `json:"issuedAt"`
}

type DocumentModule struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Score *int   `json:"score"`
}

// Document is the JSON body stored for each certificate.
type Document struct {
	CertificateID    string           `json:"certificateId"`
	VerificationCode string           `json:"verificationCode"`
	Issuer           string           `json:"issuer"`
	RecipientName    string           `json:"recipientName"`
	RecipientEmail   string           `json:"recipientEmail"`
	Modules          []DocumentModule `json:"modules"`
	IssuedAt         time.Time        `json:"issuedAt"`
	VerifyURL        string           `json:"verifyUrl"`
}

type Verification struct {
	Valid         bool      `json:"valid"`
	CertificateID string    `json:"certificateId"`
	RecipientName string    `json:"recipientName"`
	IssuedAt      time.Time `json:"issuedAt"`
}

type Service struct {
	db       database.DBTX
	storage  ObjectStore
	progress ProgressReader
	events   progress.EventSender
	clock    clockwork.Clock
	baseURL  string
	newCode  func() (string, error)
}

func NewService(db database.DBTX, storage ObjectStore, reader ProgressReader, baseURL string) *Service {
	return &Service{
		db:       db,
		storage:  storage,
		progress: reader,
		clock:    clockwork.NewRealClock(),
		baseURL:  baseURL,
		newCode:  generateCode,
	}
}

func (s *Service) SetEventSender(e progress.EventSender) {
	s.events = e
}

func (s *Service) SetClock(c clockwork.Clock) {
	s.clock = c
}

// Issue returns the user's certificate, creating it on first call. The bool
// reports whether a new certificate was created.
func (s *Service) Issue(ctx context.Context, userID string) (Certificate, bool, error) {
	existing, err := s.latest(ctx, userID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Certificate{}, false, err
	}

	dashboard, err := s.progress.Dashboard(ctx, userID)
	if err != nil {
		return Certificate{}, false, fmt.Errorf("load progress: %w", err)
	}
	if !dashboard.CertificateEligible {
		return Certificate{}, false, ErrNotEligible
	}

	code, err := s.newCode()
	if err != nil {
		return Certificate{}, false, fmt.Errorf("generate verification code: %w", err)
	}
	cert := Certificate{
		ID:               uuid.NewString(),
		VerificationCode: code,
		IssuedAt:         s.clock.Now().UTC().Truncate(time.Second),
	}
	cert.ObjectKey = fmt.Sprintf("certificates/%s/%s.json", userID, cert.ID)

	body, err := json.MarshalIndent(s.document(cert, dashboard), "", "  ")
	if err != nil {
		return Certificate{}, false, fmt.Errorf("marshal certificate: %w", err)
	}
	if err := s.storage.PutObject(ctx, cert.ObjectKey, body, "application/json"); err != nil {
		return Certificate{}, false, fmt.Errorf("store certificate: %w", err)
	}

	if _, err := s.db.Exec(ctx,
		`INSERT INTO certificates (id, user_id, verification_code, object_key, issued_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		cert.ID, userID, cert.VerificationCode, cert.ObjectKey, cert.IssuedAt,
	); err != nil {
		if delErr := s.storage.DeleteObject(ctx, cert.ObjectKey); delErr != nil {
			slog.Error("certificate: failed to clean up orphaned document", "key", cert.ObjectKey, "error", delErr)
		}
		return Certificate{}, false, fmt.Errorf("insert certificate: %w", err)
	}

	slog.Info("certificate: issued", "user_id", userID, "certificate_id", cert.ID)
	if s.events != nil {
		s.events.Send(userID, webhook.EventCertificateIssued, map[string]any{
			"certificateId":    cert.ID,
			"verificationCode": cert.VerificationCode,
		})
	}
	return cert, true, nil
}

func (s *Service) document(cert Certificate, d progress.Dashboard) Document {
	doc := Document{
		CertificateID:    cert.ID,
		VerificationCode: cert.VerificationCode,
		Issuer:           issuerName,
		RecipientName:    d.User.Name,
		RecipientEmail:   d.User.Email,
		IssuedAt:         cert.IssuedAt,
		VerifyURL:        s.baseURL + "/verify/" + cert.VerificationCode,
	}
	for _, m := range d.Modules {
		doc.Modules = append(doc.Modules, DocumentModule{ID: m.ID, Title: m.Title, Score: m.Score})
	}
	return doc
}

func (s *Service) latest(ctx context.Context, userID string) (Certificate, error) {
	var c Certificate
	err := s.db.QueryRow(ctx,
		`SELECT id, verification_code, object_key, issued_at FROM certificates
		 WHERE user_id = $1 ORDER BY issued_at DESC LIMIT 1`,
		userID,
	).Scan(&c.ID, &c.VerificationCode, &c.ObjectKey, &c.IssuedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Certificate{}, ErrNotFound
	}
	if err != nil {
		return Certificate{}, fmt.Errorf("lookup certificate: %w", err)
	}
	return c, nil
}

// DownloadURL presigns the certificate document for its owner.
func (s *Service) DownloadURL(ctx context.Context, userID, certificateID string) (string, error) {
	if _, err := uuid.Parse(certificateID); err != nil {
		return "", ErrNotFound
	}
	var key string
	err := s.db.QueryRow(ctx,
		`SELECT object_key FROM certificates WHERE id = $1 AND user_id = $2`,
		certificateID, userID,
	).Scan(&key)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup certificate: %w", err)
	}
	return s.storage.GenerateDownloadURL(ctx, key, "awarelab-certificate-"+certificateID+".json", downloadExpiry)
}

func (s *Service) Verify(ctx context.Context, code string) (Verification, error) {
	v := Verification{Valid: true}
	err := s.db.QueryRow(ctx,
		`SELECT c.id, u.name, c.issued_at FROM certificates c
		 JOIN users u ON u.id = c.user_id
		 WHERE c.verification_code = $1`,
		code,
	).Scan(&v.CertificateID, &v.RecipientName, &v.IssuedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Verification{}, ErrNotFound
	}
	if err != nil {
		return Verification{}, fmt.Errorf("verify certificate: %w", err)
	}
	return v, nil
}

func (s *Service) ListCertificates(ctx context.Context, userID string) ([]progress.CertificateSummary, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, verification_code, issued_at FROM certificates
		 WHERE user_id = $1 ORDER BY issued_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list certificates: %w", err)
	}
	defer rows.Close()

	certs := []progress.CertificateSummary{}
	for rows.Next() {
		var c progress.CertificateSummary
		if err := rows.Scan(&c.ID, &c.VerificationCode, &c.IssuedAt); err != nil {
			return nil, fmt.Errorf("scan certificate: %w", err)
		}
		certs = append(certs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate certificates: %w", err)
	}
	return certs, nil
}

func generateCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}
