package profile

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/iontrap-lab/backend/internal/models"
	"github.com/iontrap-lab/backend/internal/settings"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid profile")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the profile invariants: positive durations, at least one
// allowed failure and load/check cycle, counter channels 0..15 and bands
// with min <= max.
func Validate(p *models.Profile) error {
	if p == nil {
		return fmt.Errorf("%w: nil", ErrInvalid)
	}
	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Encode serializes p in the persisted msgpack form. Encoding a decoded
// profile reproduces the original bytes.
func Encode(p *models.Profile) ([]byte, error) {
	return settings.Marshal(p)
}

// Decode parses the persisted msgpack form.
func Decode(data []byte) (*models.Profile, error) {
	var p models.Profile
	if err := settings.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding profile: %w", err)
	}
	return &p, nil
}

// ExportYAML writes p as a YAML document.
func ExportYAML(w io.Writer, p *models.Profile) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return fmt.Errorf("encoding profile yaml: %w", err)
	}
	return enc.Close()
}

// ImportYAML reads and validates a profile. Fields missing from the
// document keep their defaults.
func ImportYAML(r io.Reader) (*models.Profile, error) {
	p := models.DefaultProfile("")
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("decoding profile yaml: %w", err)
	}
	if err := Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}
