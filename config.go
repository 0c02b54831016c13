//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2025 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package spann

import (
	"encoding/json"
	"io"
	"runtime"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/spann/common"
	"github.com/weaviate/spann/distancer"
	"github.com/weaviate/spann/quantization"
)

const (
	DefaultDistance             = "l2-squared"
	DefaultBitWidth             = 1
	DefaultSearchNProbe         = 8
	DefaultCentroidRerankFactor = 1
	DefaultVectorRerankFactor   = 1
	DefaultSplitThreshold       = 50
	DefaultMergeThreshold       = 25
	DefaultCandidates           = 8
)

// UserConfig defines the user-specifyable configuration options for the
// index.
type UserConfig struct {
	Distance             string `json:"distance"`
	BitWidth             int    `json:"bitWidth"`             // Bits per code component, 1 or 4
	SearchNProbe         int    `json:"searchNProbe"`         // Number of postings scanned per query
	CentroidRerankFactor int    `json:"centroidRerankFactor"` // Oversampling factor for exact centroid reranking
	VectorRerankFactor   int    `json:"vectorRerankFactor"`   // Oversampling factor for exact vector reranking
	SplitThreshold       int    `json:"splitThreshold"`       // Maximum number of vectors in a posting
	MergeThreshold       int    `json:"mergeThreshold"`       // Minimum number of vectors in a posting
	Candidates           int    `json:"candidates"`           // Internal candidate count for merge and reassign decisions
}

// IndexType returns the type of the underlying vector index.
func (u UserConfig) IndexType() string {
	return "spann"
}

func (u UserConfig) DistanceName() string {
	return u.Distance
}

// SetDefaults in the user-specifyable part of the config
func (u *UserConfig) SetDefaults() {
	u.Distance = DefaultDistance
	u.BitWidth = DefaultBitWidth
	u.SearchNProbe = DefaultSearchNProbe
	u.CentroidRerankFactor = DefaultCentroidRerankFactor
	u.VectorRerankFactor = DefaultVectorRerankFactor
	u.SplitThreshold = DefaultSplitThreshold
	u.MergeThreshold = DefaultMergeThreshold
	u.Candidates = DefaultCandidates
}

func (u UserConfig) validate() error {
	if u.BitWidth != 1 && u.BitWidth != 4 {
		return errors.Errorf("bitWidth must be 1 or 4, got %d", u.BitWidth)
	}
	if u.SearchNProbe < 1 {
		return errors.Errorf("searchNProbe must be at least 1, got %d", u.SearchNProbe)
	}
	if u.CentroidRerankFactor < 1 {
		return errors.Errorf("centroidRerankFactor must be at least 1, got %d", u.CentroidRerankFactor)
	}
	if u.VectorRerankFactor < 1 {
		return errors.Errorf("vectorRerankFactor must be at least 1, got %d", u.VectorRerankFactor)
	}
	if u.SplitThreshold < 2 {
		return errors.Errorf("splitThreshold must be at least 2, got %d", u.SplitThreshold)
	}
	// a posting eligible for both transitions at once indicates a logic
	// defect, the thresholds must never meet
	if u.MergeThreshold >= u.SplitThreshold {
		return errors.Errorf("mergeThreshold (%d) must be smaller than splitThreshold (%d)",
			u.MergeThreshold, u.SplitThreshold)
	}
	switch u.Distance {
	case "l2-squared", "dot", "cosine-dot":
	default:
		return errors.Errorf("unsupported distance %q", u.Distance)
	}
	return nil
}

// ParseAndValidateConfig from an unknown input value, as this is not further
// specified in the API to allow of exchanging the index type
func ParseAndValidateConfig(input interface{}) (UserConfig, error) {
	uc := UserConfig{}
	uc.SetDefaults()

	if input == nil {
		return uc, nil
	}

	asMap, ok := input.(map[string]interface{})
	if !ok || asMap == nil {
		return uc, errors.New("input must be a non-nil map")
	}

	if err := optionalStringFromMap(asMap, "distance", func(v string) {
		uc.Distance = v
	}); err != nil {
		return uc, err
	}

	fields := map[string]*int{
		"bitWidth":             &uc.BitWidth,
		"searchNProbe":         &uc.SearchNProbe,
		"centroidRerankFactor": &uc.CentroidRerankFactor,
		"vectorRerankFactor":   &uc.VectorRerankFactor,
		"splitThreshold":       &uc.SplitThreshold,
		"mergeThreshold":       &uc.MergeThreshold,
		"candidates":           &uc.Candidates,
	}
	for name, target := range fields {
		if err := optionalIntFromMap(asMap, name, func(v int) {
			*target = v
		}); err != nil {
			return uc, err
		}
	}

	if err := uc.validate(); err != nil {
		return uc, err
	}
	return uc, nil
}

func optionalIntFromMap(in map[string]interface{}, name string, setFn func(v int)) error {
	value, ok := in[name]
	if !ok {
		return nil
	}

	var asInt64 int64
	var err error

	// depending on whether we get the results from disk or from the REST API,
	// numbers may be represented slightly differently
	switch typed := value.(type) {
	case json.Number:
		asInt64, err = typed.Int64()
	case float64:
		asInt64 = int64(typed)
	default:
		return errors.Errorf("%s must be a number, got %T", name, value)
	}
	if err != nil {
		return errors.Wrapf(err, "%s", name)
	}

	setFn(int(asInt64))
	return nil
}

func optionalStringFromMap(in map[string]interface{}, name string, setFn func(v string)) error {
	value, ok := in[name]
	if !ok {
		return nil
	}

	asString, ok := value.(string)
	if !ok {
		return errors.Errorf("%s must be a string, got %T", name, value)
	}

	setFn(asString)
	return nil
}

// Config contains internal configuration settings, wired by the surrounding
// database rather than by users.
type Config struct {
	ID                 string
	Logger             logrus.FieldLogger
	DistanceProvider   distancer.Provider
	PrometheusRegistry prometheus.Registerer
	VectorForIDThunk   common.VectorForID[float32]
	Store              BlockStore
	RotationSeed       uint64
	Workers            int
	Splitter           Splitter
}

func (c *Config) Validate() error {
	if c.ID == "" {
		return errors.New("id is required")
	}
	if c.VectorForIDThunk == nil {
		return errors.New("vectorForIDThunk is required")
	}
	if c.Logger == nil {
		logger := logrus.New()
		logger.Out = io.Discard
		c.Logger = logger
	}
	if c.Store == nil {
		c.Store = NewMemoryStore()
	}
	if c.Workers <= 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	if c.Splitter == nil {
		c.Splitter = NewTwoMeansSplitter()
	}
	return nil
}

func providerForDistance(name string) (distancer.Provider, error) {
	switch name {
	case "l2-squared":
		return distancer.NewL2SquaredProvider(), nil
	case "dot":
		return distancer.NewDotProductProvider(), nil
	case "cosine-dot":
		return distancer.NewCosineDistanceProvider(), nil
	default:
		return nil, errors.Errorf("unsupported distance %q", name)
	}
}

func bitWidthFromConfig(uc UserConfig) quantization.BitWidth {
	if uc.BitWidth == 4 {
		return quantization.Bits4
	}
	return quantization.Bits1
}
