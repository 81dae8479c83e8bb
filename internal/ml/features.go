package ml

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/cvalentine99/honeyclass/internal/logging"
	"github.com/cvalentine99/honeyclass/internal/models"
)

// NumericFeatureNames labels the numeric block in vector order.
var NumericFeatureNames = []string{
	"source_port",
	"destination_port",
	"severity",
	"hour",
	"day_of_week",
	"body_size",
}

// numericFeatures extracts the raw (unscaled) numeric block.
func numericFeatures(r models.AttackRecord) []float64 {
	ts := r.Timestamp.UTC()
	return []float64{
		float64(r.SourcePort),
		float64(r.DestinationPort),
		float64(r.Severity),
		float64(ts.Hour()),
		float64(mondayFirstWeekday(ts)),
		float64(r.EffectiveBodySize()),
	}
}

// mondayFirstWeekday maps Monday to 0 and Sunday to 6.
func mondayFirstWeekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// =============================================================================
// Feature Schema
// =============================================================================

// FeatureSchema describes the column layout a fitted Preprocessor emits.
// Groups are concatenated in the order numeric, command, path, pattern.
type FeatureSchema struct {
	Names   []string `json:"names"`
	Numeric int      `json:"numeric"`
	Command int      `json:"command"`
	Path    int      `json:"path"`
	Pattern int      `json:"pattern"`
}

// Width is the total vector dimension.
func (s FeatureSchema) Width() int {
	return s.Numeric + s.Command + s.Path + s.Pattern
}

// Check verifies that a row matches the schema dimension.
func (s FeatureSchema) Check(row []float64) error {
	if len(row) != s.Width() {
		return fmt.Errorf("%w: row has %d features, schema expects %d", ErrFeatureMismatch, len(row), s.Width())
	}
	return nil
}

// patternOnlySchema is the layout of an unfitted Preprocessor.
func patternOnlySchema() FeatureSchema {
	return FeatureSchema{
		Names:   append([]string(nil), PatternFeatureNames[:]...),
		Pattern: PatternFeatureCount,
	}
}

// =============================================================================
// Standard Scaler
// =============================================================================

// StandardScaler centres columns and divides by the population standard
// deviation. Constant columns get a scale of 1.
type StandardScaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// Fit learns per-column mean and scale.
func (s *StandardScaler) Fit(X [][]float64) {
	if len(X) == 0 {
		return
	}
	d := len(X[0])
	s.Mean = make([]float64, d)
	s.Scale = make([]float64, d)

	col := make([]float64, len(X))
	for j := 0; j < d; j++ {
		for i := range X {
			col[i] = X[i][j]
		}
		mean, std := stat.PopMeanStdDev(col, nil)
		s.Mean[j] = mean
		if std < 1e-12 {
			std = 1
		}
		s.Scale[j] = std
	}
}

// Transform returns a scaled copy of row.
func (s *StandardScaler) Transform(row []float64) []float64 {
	out := make([]float64, len(row))
	for j, v := range row {
		out[j] = (v - s.Mean[j]) / s.Scale[j]
	}
	return out
}

// =============================================================================
// Label Codec
// =============================================================================

// LabelCodec is a bijection between label strings and their sorted index.
type LabelCodec struct {
	Classes []string `json:"classes"`
	index   map[string]int
}

// Fit learns the sorted, de-duplicated label vocabulary. Empty labels
// are treated as models.UnknownAttackType.
func (c *LabelCodec) Fit(labels []string) {
	seen := make(map[string]struct{})
	for _, l := range labels {
		if l == "" {
			l = models.UnknownAttackType
		}
		seen[l] = struct{}{}
	}
	c.Classes = make([]string, 0, len(seen))
	for l := range seen {
		c.Classes = append(c.Classes, l)
	}
	sort.Strings(c.Classes)
	c.buildIndex()
}

func (c *LabelCodec) buildIndex() {
	c.index = make(map[string]int, len(c.Classes))
	for i, l := range c.Classes {
		c.index[l] = i
	}
}

// Encode maps labels to codes. An unseen label fails with ErrUnsupportedLabel.
func (c *LabelCodec) Encode(labels []string) ([]int, error) {
	out := make([]int, len(labels))
	for i, l := range labels {
		if l == "" {
			l = models.UnknownAttackType
		}
		code, ok := c.index[l]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedLabel, l)
		}
		out[i] = code
	}
	return out, nil
}

// Decode maps codes back to labels.
func (c *LabelCodec) Decode(codes []int) ([]string, error) {
	out := make([]string, len(codes))
	for i, code := range codes {
		if code < 0 || code >= len(c.Classes) {
			return nil, fmt.Errorf("%w: code %d outside [0,%d)", ErrUnsupportedLabel, code, len(c.Classes))
		}
		out[i] = c.Classes[code]
	}
	return out, nil
}

// =============================================================================
// Preprocessor
// =============================================================================

// PreprocessorConfig holds vocabulary bounds for the text blocks.
type PreprocessorConfig struct {
	// CommandMaxFeatures bounds the command word n-gram vocabulary
	CommandMaxFeatures int
	// PathMaxFeatures bounds the path character n-gram vocabulary
	PathMaxFeatures int
}

// DefaultPreprocessorConfig returns default preprocessor configuration
func DefaultPreprocessorConfig() *PreprocessorConfig {
	return &PreprocessorConfig{
		CommandMaxFeatures: 100,
		PathMaxFeatures:    50,
	}
}

// Preprocessor converts attack records into feature vectors. It must be
// fit before Transform produces anything beyond the pattern block.
// Fit is not safe for concurrent use; a fitted Preprocessor is read-only
// and may be shared.
type Preprocessor struct {
	config  *PreprocessorConfig
	fitted  bool
	scaler  *StandardScaler
	command *TFIDFVectorizer
	path    *TFIDFVectorizer
	labels  *LabelCodec
	schema  FeatureSchema
	logger  *logging.Logger
}

// NewPreprocessor creates an unfitted preprocessor.
func NewPreprocessor(config *PreprocessorConfig) *Preprocessor {
	if config == nil {
		config = DefaultPreprocessorConfig()
	}
	return &Preprocessor{
		config:  config,
		scaler:  &StandardScaler{},
		command: NewTFIDFVectorizer(AnalyzerWord, 1, 2, config.CommandMaxFeatures),
		path:    NewTFIDFVectorizer(AnalyzerCharWB, 1, 2, config.PathMaxFeatures),
		labels:  &LabelCodec{},
		schema:  patternOnlySchema(),
		logger:  logging.PreprocessorLogger(),
	}
}

// Fit learns the scaler, both text vocabularies and the label vocabulary.
func (p *Preprocessor) Fit(records []models.AttackRecord) error {
	if len(records) == 0 {
		return fmt.Errorf("preprocessor fit: %w", ErrEmptyDataset)
	}

	commands := make([]string, len(records))
	paths := make([]string, len(records))
	labels := make([]string, len(records))
	numeric := make([][]float64, len(records))
	for i, r := range records {
		commands[i] = r.Command
		paths[i] = r.Path
		labels[i] = r.AttackType
		numeric[i] = numericFeatures(r)
	}

	p.command.Fit(commands)
	p.path.Fit(paths)
	p.labels.Fit(labels)
	p.scaler.Fit(numeric)
	p.fitted = true
	p.schema = p.buildSchema()

	p.logger.Debug("preprocessor fitted",
		"records", len(records),
		"command_terms", p.command.Width(),
		"path_terms", p.path.Width(),
		"classes", len(p.labels.Classes),
		"width", p.schema.Width(),
	)
	return nil
}

func (p *Preprocessor) buildSchema() FeatureSchema {
	s := FeatureSchema{
		Numeric: len(NumericFeatureNames),
		Command: p.command.Width(),
		Path:    p.path.Width(),
		Pattern: PatternFeatureCount,
	}
	s.Names = make([]string, 0, s.Width())
	s.Names = append(s.Names, NumericFeatureNames...)
	for _, t := range p.command.Terms {
		s.Names = append(s.Names, "cmd:"+t)
	}
	for _, t := range p.path.Terms {
		s.Names = append(s.Names, "path:"+t)
	}
	s.Names = append(s.Names, PatternFeatureNames[:]...)
	return s
}

// TransformOne encodes a single record.
func (p *Preprocessor) TransformOne(r models.AttackRecord) ([]float64, error) {
	row := make([]float64, 0, p.schema.Width())
	if p.fitted {
		row = append(row, p.scaler.Transform(numericFeatures(r))...)
		row = append(row, p.command.TransformOne(r.Command)...)
		row = append(row, p.path.TransformOne(r.Path)...)
	}
	pf := PatternFeatures(r)
	row = append(row, pf[:]...)

	if err := p.schema.Check(row); err != nil {
		return nil, err
	}
	return row, nil
}

// Transform encodes records using the fitted state.
func (p *Preprocessor) Transform(records []models.AttackRecord) ([][]float64, error) {
	X := make([][]float64, len(records))
	for i, r := range records {
		row, err := p.TransformOne(r)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		X[i] = row
	}
	return X, nil
}

// FitTransform is Fit followed by Transform.
func (p *Preprocessor) FitTransform(records []models.AttackRecord) ([][]float64, error) {
	if err := p.Fit(records); err != nil {
		return nil, err
	}
	return p.Transform(records)
}

// EncodeLabels maps label strings to training codes.
func (p *Preprocessor) EncodeLabels(labels []string) ([]int, error) {
	if !p.fitted {
		return nil, fmt.Errorf("encode labels: %w", ErrNotTrained)
	}
	return p.labels.Encode(labels)
}

// DecodeLabels maps training codes back to label strings.
func (p *Preprocessor) DecodeLabels(codes []int) ([]string, error) {
	if !p.fitted {
		return nil, fmt.Errorf("decode labels: %w", ErrNotTrained)
	}
	return p.labels.Decode(codes)
}

// Classes returns the label vocabulary, empty when unfitted.
func (p *Preprocessor) Classes() []string {
	if !p.fitted {
		return []string{}
	}
	return append([]string(nil), p.labels.Classes...)
}

// IsFitted reports whether Fit has completed.
func (p *Preprocessor) IsFitted() bool {
	return p.fitted
}

// Schema returns the emitted column layout.
func (p *Preprocessor) Schema() FeatureSchema {
	return p.schema
}

// FeatureNames returns the column names in vector order.
func (p *Preprocessor) FeatureNames() []string {
	return append([]string(nil), p.schema.Names...)
}

// =============================================================================
// Persistence
// =============================================================================

type preprocessorState struct {
	Fitted  bool             `json:"fitted"`
	Scaler  *StandardScaler  `json:"scaler"`
	Command *TFIDFVectorizer `json:"command"`
	Path    *TFIDFVectorizer `json:"path"`
	Classes []string         `json:"classes"`
	Schema  FeatureSchema    `json:"schema"`
}

// MarshalJSON encodes the fitted state.
func (p *Preprocessor) MarshalJSON() ([]byte, error) {
	return json.Marshal(preprocessorState{
		Fitted:  p.fitted,
		Scaler:  p.scaler,
		Command: p.command,
		Path:    p.path,
		Classes: p.labels.Classes,
		Schema:  p.schema,
	})
}

// UnmarshalJSON restores the fitted state and checks it is self-consistent.
func (p *Preprocessor) UnmarshalJSON(data []byte) error {
	var st preprocessorState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	if st.Scaler == nil || st.Command == nil || st.Path == nil {
		return fmt.Errorf("%w: preprocessor state incomplete", ErrCorruptArtifact)
	}
	if err := st.Command.restore(); err != nil {
		return err
	}
	if err := st.Path.restore(); err != nil {
		return err
	}

	fresh := NewPreprocessor(&PreprocessorConfig{
		CommandMaxFeatures: st.Command.MaxFeatures,
		PathMaxFeatures:    st.Path.MaxFeatures,
	})
	fresh.fitted = st.Fitted
	fresh.scaler = st.Scaler
	fresh.command = st.Command
	fresh.path = st.Path
	fresh.labels = &LabelCodec{Classes: st.Classes}
	fresh.labels.buildIndex()

	if fresh.fitted {
		fresh.schema = fresh.buildSchema()
		if len(fresh.scaler.Mean) != len(NumericFeatureNames) || len(fresh.scaler.Scale) != len(NumericFeatureNames) {
			return fmt.Errorf("%w: scaler has %d columns", ErrCorruptArtifact, len(fresh.scaler.Mean))
		}
	}
	if fresh.schema.Width() != st.Schema.Width() {
		return fmt.Errorf("%w: stored schema width %d, rebuilt %d", ErrFeatureMismatch, st.Schema.Width(), fresh.schema.Width())
	}

	*p = *fresh
	return nil
}
