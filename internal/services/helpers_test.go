package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/Omer1970/ShippingAPP-sub001/internal/erp"
	"github.com/Omer1970/ShippingAPP-sub001/internal/models"
	"github.com/Omer1970/ShippingAPP-sub001/internal/repositories"
	"github.com/Omer1970/ShippingAPP-sub001/internal/storage"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, models.SetupModels(db))
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

type testRepos struct {
	confirmations *repositories.ConfirmationRepository
	ledger        *repositories.FailedSyncRepository
}

func newTestRepos(t *testing.T) testRepos {
	db := newTestDB(t)
	return testRepos{
		confirmations: repositories.NewConfirmationRepository(db, nil),
		ledger:        repositories.NewFailedSyncRepository(db, nil),
	}
}

// storedConfirmation persists a confirmation with a small PNG signature,
// GPS and the given photo keys
func storedConfirmation(t *testing.T, repo *repositories.ConfirmationRepository, photoKeys ...string) *models.DeliveryConfirmation {
	t.Helper()
	sigData := "data:image/png;base64," + base64.StdEncoding.EncodeToString(append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{7}, 64)...))
	lat, lng, acc := 52.09, 5.12, 4.0
	c := &models.DeliveryConfirmation{
		ID:              uuid.New(),
		ShipmentRef:     "SHP-" + uuid.NewString()[:8],
		DelivererID:     "driver-7",
		DeliveredAt:     time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC),
		RecipientName:   "A. de Vries",
		Status:          models.StatusConfirmed,
		Latitude:        &lat,
		Longitude:       &lng,
		GPSAccuracy:     &acc,
		Signature: &models.Signature{
			Data:          sigData,
			IntegrityHash: models.HashSignaturePayload(sigData),
			QualityScore:  0.9,
			LegallyValid:  true,
		},
	}
	c.ClientReference = c.ID.String()
	for i, key := range photoKeys {
		c.Photos = append(c.Photos, models.Photo{Position: i, ObjectKey: key, Filename: key, ContentType: "image/jpeg"})
	}
	require.NoError(t, c.RefreshIntegrityHash())
	require.NoError(t, repo.Create(context.Background(), c))
	return c
}

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) UpdateShipmentStatus(ctx context.Context, shipmentRef string, update erp.ShipmentUpdate) error {
	return m.Called(ctx, shipmentRef, update).Error(0)
}

func (m *mockGateway) AppendTrackingEntry(ctx context.Context, shipmentRef string, entry erp.TrackingEntry) error {
	return m.Called(ctx, shipmentRef, entry).Error(0)
}

func (m *mockGateway) UploadDocument(ctx context.Context, shipmentRef string, doc erp.Document) (string, error) {
	args := m.Called(ctx, shipmentRef, doc)
	return args.String(0), args.Error(1)
}

func (m *mockGateway) AppendAuditLog(ctx context.Context, entry erp.AuditEntry) error {
	return m.Called(ctx, entry).Error(0)
}

// healthyGateway accepts every call
func healthyGateway() *mockGateway {
	gw := new(mockGateway)
	gw.On("UpdateShipmentStatus", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	gw.On("AppendTrackingEntry", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	gw.On("UploadDocument", mock.Anything, mock.Anything, mock.Anything).Return("doc-1", nil)
	gw.On("AppendAuditLog", mock.Anything, mock.Anything).Return(nil)
	return gw
}

func documentOfKind(kind erp.DocumentKind) interface{} {
	return mock.MatchedBy(func(doc erp.Document) bool { return doc.Kind == kind })
}

type fakePhotoStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    bool
}

func newFakePhotoStore() *fakePhotoStore {
	return &fakePhotoStore{objects: make(map[string][]byte)}
}

func (s *fakePhotoStore) Store(_ context.Context, id uuid.UUID, position int, photo models.PhotoCapture) (models.Photo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return models.Photo{}, errors.New("object store unavailable")
	}
	data, err := storage.DecodePhoto(photo.Data)
	if err != nil {
		return models.Photo{}, err
	}
	ref := storage.NewPhotoRef(id, position, photo, data)
	s.objects[ref.ObjectKey] = data
	return ref, nil
}

func (s *fakePhotoStore) Open(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, errors.Errorf("object %s not found", key)
	}
	return data, nil
}

func (s *fakePhotoStore) put(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
}

type recordingScheduler struct {
	mu  sync.Mutex
	ids []uuid.UUID
	err error
}

func (s *recordingScheduler) Enqueue(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.ids = append(s.ids, id)
	return nil
}

func (s *recordingScheduler) scheduled() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uuid.UUID(nil), s.ids...)
}

type recordingSink struct {
	mu       sync.Mutex
	attempts []models.SyncAttempt
}

func (s *recordingSink) Record(a models.SyncAttempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, a)
}

func (s *recordingSink) outcomes() []models.SyncOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.SyncOutcome, 0, len(s.attempts))
	for _, a := range s.attempts {
		out = append(out, a.Outcome)
	}
	return out
}

// recordingSleep replaces the backoff wait and remembers each delay
type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleep) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return nil
}

func (r *recordingSleep) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

// genuineSignature renders three natural strokes on a textured canvas and
// returns the capture as a client would submit it
func genuineSignature(t *testing.T) *models.SignatureCapture {
	t.Helper()
	const w, h = 300, 150

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	seed := uint32(2463534242)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			seed ^= seed << 13
			seed ^= seed >> 17
			seed ^= seed << 5
			v := uint8(235 + seed%21)
			img.Set(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}

	var arc, wave, loop models.Stroke
	for i := 0; i < 30; i++ {
		theta := math.Pi - math.Pi*float64(i)/29
		arc = append(arc, models.Point{X: 80 + 50*math.Cos(theta), Y: 75 - 50*math.Sin(theta)})
	}
	for i := 0; i < 30; i++ {
		x := 120 + 150*float64(i)/29
		wave = append(wave, models.Point{X: x, Y: 75 + 40*math.Sin((x-120)/20)})
	}
	for i := 0; i < 30; i++ {
		phi := 1.8 * math.Pi * float64(i) / 29
		loop = append(loop, models.Point{X: 200 + 40*math.Cos(phi), Y: 110 + 25*math.Sin(phi)})
	}
	strokes := []models.Stroke{arc, wave, loop}

	ink := color.RGBA{A: 255}
	for _, stroke := range strokes {
		for i := 1; i < len(stroke); i++ {
			a, b := stroke[i-1], stroke[i]
			steps := int(math.Hypot(b.X-a.X, b.Y-a.Y)*2) + 1
			for s := 0; s <= steps; s++ {
				f := float64(s) / float64(steps)
				x, y := a.X+(b.X-a.X)*f, a.Y+(b.Y-a.Y)*f
				for dx := 0; dx < 3; dx++ {
					for dy := 0; dy < 3; dy++ {
						img.Set(int(x)+dx-1, int(y)+dy-1, ink)
					}
				}
			}
		}
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return &models.SignatureCapture{
		Data:         "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()),
		CanvasWidth:  w,
		CanvasHeight: h,
		DeviceClass:  "phone",
		Strokes:      strokes,
	}
}

// blankSignature is a valid PNG without any ink
func blankSignature(t *testing.T) *models.SignatureCapture {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 300, 150))
	for y := 0; y < 150; y++ {
		for x := 0; x < 300; x++ {
			img.Set(x, y, color.RGBA{R: 250, G: 250, B: 250, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return &models.SignatureCapture{
		Data:         "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()),
		CanvasWidth:  300,
		CanvasHeight: 150,
	}
}

func capturePayload(ref string) models.CapturePayload {
	return models.CapturePayload{
		ClientReference: ref,
		ShipmentRef:     "SHP-1001",
		DelivererID:     "driver-7",
		DeliveredAt:     time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC),
		RecipientName:   "A. de Vries",
		GPS:             &models.GPSFix{Latitude: 52.09, Longitude: 5.12, Accuracy: 6},
	}
}
