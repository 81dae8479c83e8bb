package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/cvalentine99/honeyclass/internal/integrity"
)

// =============================================================================
// Artifact Container
// =============================================================================

// ArtifactSchemaVersion is bumped whenever a persisted state layout changes.
// Loading an artifact with a different schema fails with ErrSchemaMismatch.
const ArtifactSchemaVersion = 1

// Artifact kinds. Each kind is also the file name prefix.
const (
	KindClassifier      = "classifier"
	KindAnomalyDetector = "anomaly_detector"
	KindPreprocessor    = "preprocessor"
	KindMetadata        = "metadata"
)

const (
	modelExt    = ".model"
	metadataExt = ".json"

	// StampLayout formats artifact timestamps (UTC, YYYYMMDD_HHMMSS).
	StampLayout = "20060102_150405"
)

// ArtifactHeader identifies a component artifact.
type ArtifactHeader struct {
	Schema    int       `json:"schema"`
	Kind      string    `json:"kind"`
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Checksum  string    `json:"checksum"` // BLAKE3 of Payload
}

type artifactEnvelope struct {
	Header  ArtifactHeader  `json:"header"`
	Payload json.RawMessage `json:"payload"`
}

// writeArtifact stores payload as a zstd-compressed JSON envelope. The file
// is written to a temporary name and renamed into place.
func writeArtifact(path, kind, version string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", kind, err)
	}
	env := artifactEnvelope{
		Header: ArtifactHeader{
			Schema:    ArtifactSchemaVersion,
			Kind:      kind,
			Version:   version,
			CreatedAt: time.Now().UTC(),
			Checksum:  integrity.Sum(body),
		},
		Payload: body,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal %s envelope: %w", kind, err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	compressed := enc.EncodeAll(data, nil)
	enc.Close()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, compressed, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", kind, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit %s: %w", kind, err)
	}
	return nil
}

// readArtifact decodes the artifact at path into out after checking schema,
// kind and checksum.
func readArtifact(path, kind string, out any) (*ArtifactHeader, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, path)
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer dec.Close()
	data, err := dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptArtifact, path, err)
	}

	var env artifactEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptArtifact, path, err)
	}
	h := env.Header
	if h.Schema != ArtifactSchemaVersion {
		return nil, fmt.Errorf("%w: %s has schema %d, want %d", ErrSchemaMismatch, path, h.Schema, ArtifactSchemaVersion)
	}
	if h.Kind != kind {
		return nil, fmt.Errorf("%w: %s holds %q, want %q", ErrSchemaMismatch, path, h.Kind, kind)
	}
	if !integrity.Verify(env.Payload, h.Checksum) {
		return nil, fmt.Errorf("%w: %s checksum mismatch", ErrCorruptArtifact, path)
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptArtifact, path, err)
	}
	return &h, nil
}

// Save writes the preprocessor as a versioned artifact.
func (p *Preprocessor) Save(path, version string) error {
	return writeArtifact(path, KindPreprocessor, version, p)
}

// LoadPreprocessor reads a preprocessor artifact.
func LoadPreprocessor(path string) (*Preprocessor, error) {
	p := NewPreprocessor(nil)
	if _, err := readArtifact(path, KindPreprocessor, p); err != nil {
		return nil, err
	}
	return p, nil
}

// =============================================================================
// Artifact Naming
// =============================================================================

// ArtifactName returns <kind>_<version>_<YYYYMMDD_HHMMSS><ext>.
func ArtifactName(kind, version string, ts time.Time) string {
	ext := modelExt
	if kind == KindMetadata {
		ext = metadataExt
	}
	return fmt.Sprintf("%s_%s_%s%s", kind, version, ts.UTC().Format(StampLayout), ext)
}

// artifactRef is a parsed artifact file name.
type artifactRef struct {
	Kind    string
	Version string
	Stamp   string
	Time    time.Time
	Name    string
}

// suffix is the version_stamp part shared by one training run's artifacts.
func (r artifactRef) suffix() string {
	return r.Version + "_" + r.Stamp
}

// parseArtifactName splits a file name into kind, version and stamp.
// Versions may themselves contain underscores.
func parseArtifactName(name string) (artifactRef, bool) {
	var ext string
	switch {
	case strings.HasSuffix(name, modelExt):
		ext = modelExt
	case strings.HasSuffix(name, metadataExt):
		ext = metadataExt
	default:
		return artifactRef{}, false
	}
	base := strings.TrimSuffix(name, ext)

	var kind string
	for _, k := range []string{KindAnomalyDetector, KindClassifier, KindPreprocessor, KindMetadata} {
		if strings.HasPrefix(base, k+"_") {
			kind = k
			break
		}
	}
	if kind == "" || (kind == KindMetadata) != (ext == metadataExt) {
		return artifactRef{}, false
	}

	rest := strings.TrimPrefix(base, kind+"_")
	if len(rest) < len(StampLayout)+2 {
		return artifactRef{}, false
	}
	stamp := rest[len(rest)-len(StampLayout):]
	ts, err := time.Parse(StampLayout, stamp)
	if err != nil || rest[len(rest)-len(StampLayout)-1] != '_' {
		return artifactRef{}, false
	}
	return artifactRef{
		Kind:    kind,
		Version: rest[:len(rest)-len(StampLayout)-1],
		Stamp:   stamp,
		Time:    ts,
		Name:    name,
	}, true
}

// =============================================================================
// Artifact Store
// =============================================================================

// ArtifactSet is one training run's artifacts. Empty paths are absent.
type ArtifactSet struct {
	Version         string    `json:"version"`
	Stamp           string    `json:"stamp"`
	CreatedAt       time.Time `json:"created_at"`
	Classifier      string    `json:"classifier,omitempty"`
	AnomalyDetector string    `json:"anomaly_detector,omitempty"`
	Preprocessor    string    `json:"preprocessor,omitempty"`
	Metadata        string    `json:"metadata,omitempty"`
}

// TrainingMetadata is the plain-JSON record written beside each run.
type TrainingMetadata struct {
	Schema       int               `json:"schema"`
	Version      string            `json:"version"`
	Timestamp    string            `json:"timestamp"`
	Paths        map[string]string `json:"paths"`
	Digests      map[string]string `json:"digests,omitempty"` // BLAKE3 of each artifact file, by kind
	Classes      []string          `json:"classes"`
	FeatureNames []string          `json:"feature_names,omitempty"`
	Metrics      *EvaluationReport `json:"metrics,omitempty"`
}

// LatestVersion requests the newest artifact set regardless of tag.
const LatestVersion = "latest"

// ArtifactStore lays out and resolves versioned artifacts in one directory.
type ArtifactStore struct {
	dir string
	mu  sync.RWMutex
}

// NewArtifactStore creates the store directory if needed.
func NewArtifactStore(dir string) (*ArtifactStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &ArtifactStore{dir: dir}, nil
}

// Dir returns the store directory.
func (s *ArtifactStore) Dir() string {
	return s.dir
}

// NewSet returns the paths a run tagged version at ts will write.
func (s *ArtifactStore) NewSet(version string, ts time.Time) ArtifactSet {
	ts = ts.UTC()
	return ArtifactSet{
		Version:         version,
		Stamp:           ts.Format(StampLayout),
		CreatedAt:       ts.Truncate(time.Second),
		Classifier:      filepath.Join(s.dir, ArtifactName(KindClassifier, version, ts)),
		AnomalyDetector: filepath.Join(s.dir, ArtifactName(KindAnomalyDetector, version, ts)),
		Preprocessor:    filepath.Join(s.dir, ArtifactName(KindPreprocessor, version, ts)),
		Metadata:        filepath.Join(s.dir, ArtifactName(KindMetadata, version, ts)),
	}
}

func (s *ArtifactStore) scan() ([]artifactRef, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read store directory: %w", err)
	}
	var refs []artifactRef
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ref, ok := parseArtifactName(e.Name()); ok {
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

// List groups artifacts by run, newest first. A run appears only if its
// classifier exists.
func (s *ArtifactStore) List() ([]ArtifactSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	refs, err := s.scan()
	if err != nil {
		return nil, err
	}
	return s.group(refs), nil
}

func (s *ArtifactStore) group(refs []artifactRef) []ArtifactSet {
	bySuffix := make(map[string]*ArtifactSet)
	var classifiers []artifactRef
	for _, r := range refs {
		if r.Kind == KindClassifier {
			classifiers = append(classifiers, r)
			bySuffix[r.suffix()] = &ArtifactSet{
				Version:    r.Version,
				Stamp:      r.Stamp,
				CreatedAt:  r.Time,
				Classifier: filepath.Join(s.dir, r.Name),
			}
		}
	}
	for _, r := range refs {
		set, ok := bySuffix[r.suffix()]
		if !ok {
			continue
		}
		path := filepath.Join(s.dir, r.Name)
		switch r.Kind {
		case KindAnomalyDetector:
			set.AnomalyDetector = path
		case KindPreprocessor:
			set.Preprocessor = path
		case KindMetadata:
			set.Metadata = path
		}
	}

	// Newest stamp first; equal stamps fall back to descending file name.
	sort.Slice(classifiers, func(i, j int) bool {
		if !classifiers[i].Time.Equal(classifiers[j].Time) {
			return classifiers[i].Time.After(classifiers[j].Time)
		}
		return classifiers[i].Name > classifiers[j].Name
	})
	out := make([]ArtifactSet, len(classifiers))
	for i, c := range classifiers {
		out[i] = *bySuffix[c.suffix()]
	}
	return out
}

// Resolve picks the newest run for version ("latest" matches any tag).
// It fails with ErrArtifactNotFound when no classifier matches.
func (s *ArtifactStore) Resolve(version string) (ArtifactSet, error) {
	sets, err := s.List()
	if err != nil {
		return ArtifactSet{}, err
	}
	for _, set := range sets {
		if version == "" || version == LatestVersion || set.Version == version {
			return set, nil
		}
	}
	return ArtifactSet{}, fmt.Errorf("%w: no classifier for version %q in %s", ErrArtifactNotFound, version, s.dir)
}

// WriteMetadata writes the run metadata as indented JSON.
func (s *ArtifactStore) WriteMetadata(path string, md TrainingMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	md.Schema = ArtifactSchemaVersion
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

// VerifyFile checks the file at path against a recorded digest. An empty
// digest is not checked, for metadata written before digests existed.
func VerifyFile(path, digest string) error {
	if digest == "" {
		return nil
	}
	ok, err := integrity.VerifyFile(path, digest)
	if err != nil {
		return fmt.Errorf("failed to hash %s: %w", path, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s does not match its recorded digest", ErrCorruptArtifact, path)
	}
	return nil
}

// ReadMetadata reads a run's metadata file.
func ReadMetadata(path string) (*TrainingMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, path)
		}
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	var md TrainingMetadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptArtifact, path, err)
	}
	if md.Schema != 0 && md.Schema != ArtifactSchemaVersion {
		return nil, fmt.Errorf("%w: %s has schema %d", ErrSchemaMismatch, path, md.Schema)
	}
	return &md, nil
}
