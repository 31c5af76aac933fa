// Package document renders the compliance form and witness certificate for a
// sealed session. Output depends only on the session, so re-rendering on a
// completion retry produces identical bytes.
package document

import (
	"bytes"
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"html/template"
	"net/url"
	"path"
	"strconv"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/witness-cli/internal/model"
	"github.com/sells-group/witness-cli/internal/storage"
)

// Artifact names under documents/<session id>/.
const (
	FormName        = "compliance-form.html"
	CertificateName = "witness-certificate.html"
)

const contentType = "text/html; charset=utf-8"

//go:embed templates/*.html
var templateFS embed.FS

// Emitter renders and stores session documents.
type Emitter struct {
	store storage.ObjectStore
	tmpl  *template.Template
}

// NewEmitter parses the embedded templates.
func NewEmitter(store storage.ObjectStore) (*Emitter, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, eris.Wrap(err, "document: parse templates")
	}
	return &Emitter{store: store, tmpl: tmpl}, nil
}

// view is the template input. Every field is pre-formatted so rendering does
// not depend on locale or float formatting.
type view struct {
	SessionID           string
	WitnessType         string
	FormReference       string
	CustomerID          string
	CustomerName        string
	AgentID             string
	IssuedAt            string
	DocumentType        string
	IssueDate           string
	ExpirationDate      string
	DocumentAuthentic   string
	CustomerSignature   template.URL
	WitnessSignature    template.URL
	WitnessConfirmation string
	Liveness            string
	FaceSimilarity      string
	Confidence          string
	Recommendation      string
	ReviewOverride      bool
}

func newView(s *model.Session) view {
	v := view{
		SessionID:           s.ID,
		WitnessType:         s.WitnessType,
		FormReference:       s.FormReference,
		CustomerID:          s.CustomerID,
		CustomerName:        s.CustomerName,
		AgentID:             s.AgentID,
		IssuedAt:            s.Seal.HashedAt.UTC().Format("2006-01-02 15:04:05 UTC"),
		CustomerSignature:   safeURL(s.Evidence.CustomerSignatureURL),
		WitnessSignature:    safeURL(s.Evidence.WitnessSignatureURL),
		WitnessConfirmation: s.Evidence.WitnessConfirmation,
		ReviewOverride:      s.ReviewOverride,
	}
	if v.FormReference == "" {
		v.FormReference = "Form 1583"
	}
	if v.CustomerName == "" {
		v.CustomerName = s.CustomerID
	}
	if ver := s.Verification; ver != nil {
		v.Liveness = score(ver.LivenessScore)
		v.FaceSimilarity = score(ver.FaceSimilarity)
		v.Confidence = score(ver.OverallConfidence)
		v.Recommendation = string(ver.Recommendation)
		if id := ver.Analysis.Identity; id != nil {
			d := id.DocumentAnalysis
			v.DocumentType = d.DocumentType
			v.IssueDate = d.IssueDate
			v.ExpirationDate = d.ExpirationDate
			v.DocumentAuthentic = strconv.FormatBool(d.IsAuthentic)
		}
	}
	return v
}

func score(f float64) string {
	return strconv.FormatFloat(f, 'f', 2, 64)
}

// safeURL passes through references produced by the object store or supplied
// as http(s) links. Anything else renders as an empty source.
func safeURL(raw string) template.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "http", "https", "file":
		return template.URL(u.String()) //nolint:gosec // scheme checked above
	}
	return ""
}

// Render returns the form and the certificate for s.
func (e *Emitter) Render(s *model.Session) (form, certificate []byte, err error) {
	if s.Seal == nil || s.Seal.HashedAt.IsZero() {
		return nil, nil, eris.Errorf("document: session %s is not sealed", s.ID)
	}
	v := newView(s)

	var fb, cb bytes.Buffer
	if err := e.tmpl.ExecuteTemplate(&fb, FormName, v); err != nil {
		return nil, nil, eris.Wrap(err, "document: render form")
	}
	if err := e.tmpl.ExecuteTemplate(&cb, CertificateName, v); err != nil {
		return nil, nil, eris.Wrap(err, "document: render certificate")
	}
	return fb.Bytes(), cb.Bytes(), nil
}

// Emit renders both documents, writes them to the object store and returns
// their URLs and digests.
func (e *Emitter) Emit(ctx context.Context, s *model.Session) (model.Documents, error) {
	form, cert, err := e.Render(s)
	if err != nil {
		return model.Documents{}, err
	}

	dir := path.Join("documents", s.ID)
	formURL, err := e.store.Put(ctx, path.Join(dir, FormName), form, contentType)
	if err != nil {
		return model.Documents{}, eris.Wrap(err, "document: store form")
	}
	certURL, err := e.store.Put(ctx, path.Join(dir, CertificateName), cert, contentType)
	if err != nil {
		return model.Documents{}, eris.Wrap(err, "document: store certificate")
	}

	docs := model.Documents{
		FormURL:           formURL,
		FormSHA256:        digest(form),
		CertificateURL:    certURL,
		CertificateSHA256: digest(cert),
	}
	zap.L().Info("document: emitted",
		zap.String("session_id", s.ID),
		zap.String("form_sha256", docs.FormSHA256),
		zap.String("certificate_sha256", docs.CertificateSHA256),
	)
	return docs, nil
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
