package profile

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/iontrap-lab/backend/internal/models"
	"github.com/iontrap-lab/backend/internal/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func richProfile() *models.Profile {
	p := models.DefaultProfile("Yb171")
	p.CounterMask = 0b0011
	p.ADCMask = 0x8001
	p.Adjustments = []models.Adjustment{
		models.ShutterAdjustment("Oven", true, "Preheat", "Load"),
		models.GlobalAdjustment("OvenCurrent", 4.25, "Preheat", "Load"),
		models.VoltageAdjustment("LoadingZone", true, "Load", "Check"),
	}
	p.Counters = []models.CounterBand{
		{Channel: 1, States: []string{"Load", "Check"}, Min: 20000, Max: 80000},
	}
	p.UseInterlock = true
	p.AutoReload = true
	p.PreheatTime = 1500 * time.Millisecond
	return p
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(richProfile()))

	cases := map[string]func(p *models.Profile){
		"zero duration":        func(p *models.Profile) { p.CheckTime = 0 },
		"negative duration":    func(p *models.Profile) { p.DumpTime = -time.Second },
		"no failures allowed":  func(p *models.Profile) { p.MaxFailedAutoload = 0 },
		"no check cycles":      func(p *models.Profile) { p.MaxLoadCheckCycles = 0 },
		"channel out of range": func(p *models.Profile) { p.Counters[0].Channel = 16 },
		"inverted band":        func(p *models.Profile) { p.Counters[0].Min, p.Counters[0].Max = 10, 5 },
		"unnamed adjustment":   func(p *models.Profile) { p.Adjustments[0].Name = "" },
		"unnamed profile":      func(p *models.Profile) { p.Name = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := richProfile()
			mutate(p)
			assert.ErrorIs(t, Validate(p), ErrInvalid)
		})
	}
}

func TestEncodeRoundTripIsByteIdentical(t *testing.T) {
	for _, p := range []*models.Profile{richProfile(), models.DefaultProfile("bare")} {
		first, err := Encode(p)
		require.NoError(t, err)
		decoded, err := Decode(first)
		require.NoError(t, err)
		second, err := Encode(decoded)
		require.NoError(t, err)
		assert.Equal(t, first, second, "profile %s", p.Name)
		assert.Equal(t, p.PreheatTime, decoded.PreheatTime)
	}
}

func TestYAMLExportImport(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, ExportYAML(&buf, richProfile()))
	assert.Contains(t, buf.String(), "preheat_time: 1.5s")
	assert.Contains(t, buf.String(), "kind: VoltageNode")

	got, err := ImportYAML(&buf)
	require.NoError(t, err)
	assert.Equal(t, richProfile(), got)
}

func TestImportYAMLKeepsDefaultsAndRejectsBadInput(t *testing.T) {
	p, err := ImportYAML(strings.NewReader("name: minimal\ncheck_time: 3s\n"))
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, p.CheckTime)
	assert.Equal(t, models.DefaultProfile("").PreheatTime, p.PreheatTime)

	_, err = ImportYAML(strings.NewReader("name: x\ncheck_time: 0s\n"))
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = ImportYAML(strings.NewReader("name: x\nno_such_field: 1\n"))
	assert.Error(t, err)
}

func TestRegistrySeedsDefault(t *testing.T) {
	ctx := context.Background()
	store := settings.NewMemoryStore()
	r, err := NewRegistry(ctx, nil, store)
	require.NoError(t, err)

	assert.Equal(t, []string{DefaultName}, r.Names())
	assert.Equal(t, DefaultName, r.ActiveName())

	var name string
	require.NoError(t, settings.Load(ctx, store, settings.KeyProfileName, &name))
	assert.Equal(t, DefaultName, name)
}

func TestRegistryLifecycle(t *testing.T) {
	ctx := context.Background()
	store := settings.NewMemoryStore()
	r, err := NewRegistry(ctx, nil, store)
	require.NoError(t, err)

	var changed []string
	r.OnChange(func(p *models.Profile) { changed = append(changed, p.Name) })

	require.NoError(t, r.Save(ctx, richProfile()))
	assert.Empty(t, changed, "saving an inactive profile is silent")

	_, err = r.Activate(ctx, "Yb171")
	require.NoError(t, err)
	assert.Equal(t, []string{"Yb171"}, changed)

	edited := r.Active()
	edited.CheckTime = 7 * time.Second
	require.NoError(t, r.Save(ctx, edited))
	assert.Equal(t, []string{"Yb171", "Yb171"}, changed)

	// Handed-out copies are detached.
	edited.CheckTime = time.Hour
	assert.Equal(t, 7*time.Second, r.Active().CheckTime)

	assert.ErrorIs(t, r.Delete(ctx, "Yb171"), ErrDeleteActive)
	assert.ErrorIs(t, r.Delete(ctx, "nope"), ErrNotFound)
	require.NoError(t, r.Delete(ctx, DefaultName))

	require.NoError(t, r.Rename(ctx, "Yb171", "Yb171-trap2"))
	assert.Equal(t, "Yb171-trap2", r.ActiveName())

	bad := richProfile()
	bad.MaxFailedAutoload = 0
	assert.ErrorIs(t, r.Save(ctx, bad), ErrInvalid)

	// A fresh registry over the same store sees the same state.
	reloaded, err := NewRegistry(ctx, nil, store)
	require.NoError(t, err)
	assert.Equal(t, []string{"Yb171-trap2"}, reloaded.Names())
	assert.Equal(t, "Yb171-trap2", reloaded.ActiveName())
	assert.Equal(t, 7*time.Second, reloaded.Active().CheckTime)

	var current models.Profile
	require.NoError(t, settings.Load(ctx, store, settings.KeyProfile, &current))
	assert.Equal(t, "Yb171-trap2", current.Name)
}
