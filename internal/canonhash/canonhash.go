// Package canonhash serializes the anchored subset of a witness session into
// a byte-stable form and digests it.
package canonhash

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/witness-cli/internal/model"
)

// Domain separates anchor digests from any other SHA-256 use.
// Bump the version suffix when the encoding changes.
const Domain = "witness/anchor/v1"

// TimeLayout is the fixed-width UTC timestamp format used in the encoding.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// FaceMatch is the hashed face comparison payload.
type FaceMatch struct {
	IsMatch    bool    `json:"is_match"`
	Similarity float64 `json:"similarity"`
}

// Liveness is the hashed liveness payload.
type Liveness struct {
	IsLive bool    `json:"is_live"`
	Score  float64 `json:"score"`
}

// Snapshot is the enumerated set of session fields covered by the anchor.
type Snapshot struct {
	SessionID   string    `json:"session_id"`
	CustomerID  string    `json:"customer_id"`
	WitnessType string    `json:"witness_type"`
	DocumentRef string    `json:"document_ref"`
	VideoRef    string    `json:"video_ref"`
	FaceMatch   FaceMatch `json:"face_match"`
	Liveness    Liveness  `json:"liveness"`
	Timestamp   time.Time `json:"timestamp"`
}

// Canonical returns the canonical encoding of s: a JSON object with a fixed
// key order, NFC-normalized strings, scores as zero-padded two-decimal
// strings and a millisecond UTC timestamp.
func Canonical(s Snapshot) ([]byte, error) {
	if s.SessionID == "" {
		return nil, eris.New("canonhash: session id is required")
	}
	if s.Timestamp.IsZero() {
		return nil, eris.New("canonhash: timestamp is required")
	}
	similarity, err := formatScore(s.FaceMatch.Similarity)
	if err != nil {
		return nil, eris.Wrap(err, "canonhash: face similarity")
	}
	liveness, err := formatScore(s.Liveness.Score)
	if err != nil {
		return nil, eris.Wrap(err, "canonhash: liveness score")
	}

	var buf bytes.Buffer
	w := &writer{buf: &buf}
	buf.WriteByte('{')
	w.field("v", "1", false)
	w.field("session_id", s.SessionID, true)
	w.field("customer_id", s.CustomerID, true)
	w.field("witness_type", s.WitnessType, true)
	w.field("document_ref", s.DocumentRef, true)
	w.field("video_ref", s.VideoRef, true)
	buf.WriteString(`,"face_match":{`)
	w.raw("is_match", boolLiteral(s.FaceMatch.IsMatch), false)
	w.field("similarity", similarity, true)
	buf.WriteString(`},"liveness":{`)
	w.raw("is_live", boolLiteral(s.Liveness.IsLive), false)
	w.field("score", liveness, true)
	buf.WriteByte('}')
	w.field("timestamp", s.Timestamp.UTC().Format(TimeLayout), true)
	buf.WriteByte('}')

	if w.err != nil {
		return nil, eris.Wrap(w.err, "canonhash: encode")
	}
	return buf.Bytes(), nil
}

// Sum returns the hex SHA-256 digest of the canonical encoding.
func Sum(s Snapshot) (string, error) {
	data, err := Canonical(s)
	if err != nil {
		return "", err
	}
	return SumBytes(data), nil
}

// SumBytes digests already-canonical bytes.
// Format: SHA256(Domain + 0x00 + data).
func SumBytes(data []byte) string {
	h := sha256.New()
	h.Write([]byte(Domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// FromSession builds the snapshot of a sealed session. The timestamp is the
// seal time, so every completion retry hashes identical content.
func FromSession(s *model.Session) (Snapshot, error) {
	if s.Seal == nil || s.Seal.HashedAt.IsZero() {
		return Snapshot{}, eris.Errorf("canonhash: session %s is not sealed", s.ID)
	}
	snap := Snapshot{
		SessionID:   s.ID,
		CustomerID:  s.CustomerID,
		WitnessType: s.WitnessType,
		DocumentRef: s.Evidence.IDDocumentURL,
		VideoRef:    s.Evidence.VideoRecordingURL,
		Timestamp:   s.Seal.HashedAt,
	}
	if snap.VideoRef == "" {
		snap.VideoRef = s.Evidence.FaceVideoURL
	}
	if v := s.Verification; v != nil {
		snap.FaceMatch = FaceMatch{IsMatch: v.FaceMatch, Similarity: v.FaceSimilarity}
		snap.Liveness = Liveness{IsLive: v.IsLive, Score: v.LivenessScore}
	}
	return snap, nil
}

func formatScore(v float64) (string, error) {
	if math.IsNaN(v) || v < 0 || v > 100 {
		return "", eris.Errorf("score %v outside [0,100]", v)
	}
	return fmt.Sprintf("%06.2f", v), nil
}

func boolLiteral(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

type writer struct {
	buf *bytes.Buffer
	err error
}

func (w *writer) field(key, value string, comma bool) {
	if w.err != nil {
		return
	}
	s, err := encodeString(value)
	if err != nil {
		w.err = err
		return
	}
	w.raw(key, string(s), comma)
}

func (w *writer) raw(key, literal string, comma bool) {
	if comma {
		w.buf.WriteByte(',')
	}
	w.buf.WriteByte('"')
	w.buf.WriteString(key)
	w.buf.WriteString(`":`)
	w.buf.WriteString(literal)
}

// encodeString NFC-normalizes s and quotes it without HTML escaping.
func encodeString(s string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}
