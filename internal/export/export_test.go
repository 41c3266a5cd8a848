package export_test

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/CZERTAINLY/Fabsim/internal/codec"
	"github.com/CZERTAINLY/Fabsim/internal/export"
	"github.com/CZERTAINLY/Fabsim/internal/model"
	cdx "github.com/CycloneDX/cyclonedx-go"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

var finished = time.Date(2026, 3, 4, 5, 6, 7, 123456000, time.UTC)

func fixture() (model.TaskResult, []model.ProcessStep) {
	steps := []model.ProcessStep{
		{
			Kind:   model.KindOxidation,
			Name:   "gate",
			Params: &model.OxidationParams{Temperature: 1000, Time: 0.5, Atmosphere: "dry", Pressure: 1},
		},
		{
			Kind:          model.KindInspection,
			Name:          "check",
			Params:        &model.InspectionParams{Method: "optical", Resolution: 10},
			Prerequisites: []string{"gate"},
		},
	}
	result := model.TaskResult{
		TaskID:      "t-1",
		SimulatorID: "s-1",
		State:       model.TaskCompleted,
		Finished:    finished,
		Steps: []model.StepResult{
			{
				Name: "gate",
				Kind: model.KindOxidation,
				Outputs: map[string]any{
					"oxide_thickness": 0.05,
					"profile":         []float64{1, 2, 3},
				},
			},
			{
				Name:    "check",
				Kind:    model.KindInspection,
				Outputs: map[string]any{"inspected": finished},
			},
		},
	}
	return result, steps
}

func TestParseFormat(t *testing.T) {
	t.Parallel()

	f, err := export.ParseFormat("")
	require.NoError(t, err)
	require.Equal(t, export.JSON, f)

	f, err = export.ParseFormat("YAML")
	require.NoError(t, err)
	require.Equal(t, export.YAML, f)

	_, err = export.ParseFormat("xml")
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	v, ok := verr.Field("format")
	require.True(t, ok)
	require.Equal(t, model.ConstraintEnum, v.Constraint)
}

func TestJSON(t *testing.T) {
	t.Parallel()
	result, steps := fixture()

	var buf bytes.Buffer
	require.NoError(t, export.Write(&buf, export.JSON, result, steps))

	decoded, err := codec.Unmarshal(buf.Bytes())
	require.NoError(t, err)
	record := decoded.(map[string]any)
	require.Equal(t, "t-1", record["taskId"])
	require.True(t, finished.Equal(record["finished"].(time.Time)))

	out := record["steps"].([]any)[0].(map[string]any)["outputs"].(map[string]any)
	profile := out["profile"].(codec.Array)
	require.Equal(t, []float64{1, 2, 3}, codec.Values[float64](profile))
}

func TestYAML(t *testing.T) {
	t.Parallel()
	result, steps := fixture()

	var buf bytes.Buffer
	require.NoError(t, export.Write(&buf, export.YAML, result, steps))

	var wire map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &wire))
	require.Equal(t, "completed", wire["state"])

	record, err := codec.DecodeRecord(wire)
	require.NoError(t, err)
	out := record["steps"].([]any)[0].(map[string]any)["outputs"].(map[string]any)
	require.Equal(t, []float64{1, 2, 3}, codec.Values[float64](out["profile"].(codec.Array)))
}

func TestCycloneDX(t *testing.T) {
	t.Parallel()
	result, steps := fixture()

	var buf bytes.Buffer
	require.NoError(t, export.Write(&buf, export.CycloneDX, result, steps))

	var bom cdx.BOM
	require.NoError(t, json.Unmarshal(buf.Bytes(), &bom))
	require.Equal(t, cdx.SpecVersion1_6, bom.SpecVersion)
	require.Regexp(t, `^urn:uuid:[0-9a-f-]{36}$`, bom.SerialNumber)
	require.Equal(t, "Fabsim", bom.Metadata.Component.Name)
	require.Equal(t, finished.Format(time.RFC3339), bom.Metadata.Timestamp)

	require.NotNil(t, bom.Formulation)
	require.Len(t, *bom.Formulation, 1)
	formula := (*bom.Formulation)[0]
	require.Equal(t, "task/t-1", formula.BOMRef)
	require.Len(t, *formula.Components, 2)

	gate := (*formula.Components)[0]
	require.Equal(t, "gate", gate.Name)
	props := map[string]string{}
	for _, p := range *gate.Properties {
		props[p.Name] = p.Value
	}
	require.Equal(t, "oxidation", props["fabsim:kind"])
	require.JSONEq(t, `{"temperature":1000,"time":0.5,"atmosphere":"dry","pressure":1}`, props["fabsim:params"])
	require.Contains(t, props["fabsim:outputs"], `"__type__":"ndarray"`)

	deps := map[string][]string{}
	for _, d := range *bom.Dependencies {
		deps[d.Ref] = *d.Dependencies
	}
	require.Equal(t, []string{"task/t-1/step/gate"}, deps["task/t-1/step/check"])
	require.Equal(t, []string{"task/t-1/step/gate", "task/t-1/step/check"}, deps["task/t-1"])
}
