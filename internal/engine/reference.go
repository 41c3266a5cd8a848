package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/CZERTAINLY/Fabsim/internal/model"
)

const (
	boltzmann = 8.617e-5 // eV/K
	charge    = 1.602e-19
	kelvin    = 273.15

	delayTicks   = 10
	profilePoint = 64
)

// Reference is a deterministic in-process engine with closed-form models.
// It keeps the wafer state (oxide, films, dose) between steps. Custom steps
// with operation "fail" report failure, which is handy for testing clients.
type Reference struct {
	cfg   model.SimulatorConfig
	delay time.Duration
	now   func() time.Time

	mx     sync.Mutex
	oxide  float64 // µm
	film   float64 // nm
	dose   float64 // peak concentration, cm^-3
	layers int
	steps  int
}

func NewReference(cfg model.SimulatorConfig, delay time.Duration) *Reference {
	return &Reference{
		cfg:   cfg.Clone(),
		delay: delay,
		now:   time.Now,
	}
}

func (*Reference) Concurrent() bool { return true }

func (r *Reference) Apply(ctx context.Context, step model.ProcessStep, progress ProgressFunc) (Output, error) {
	if err := r.wait(ctx, step, progress); err != nil {
		return Output{}, err
	}

	r.mx.Lock()
	defer r.mx.Unlock()
	r.steps++

	var out map[string]any
	switch p := step.Params.(type) {
	case *model.OxidationParams:
		out = r.oxidation(p)
	case *model.DopingParams:
		out = r.doping(p)
	case *model.LithographyParams:
		out = r.lithography(p)
	case *model.DepositionParams:
		out = r.deposition(p)
	case *model.EtchingParams:
		out = r.etching(p)
	case *model.MetallizationParams:
		out = r.metallization(p)
	case *model.AnnealingParams:
		out = r.annealing(p)
	case *model.CMPParams:
		out = r.cmp(p)
	case *model.InspectionParams:
		out = r.inspection(p)
	case *model.CustomParams:
		if p.Operation == "fail" {
			msg, _ := p.Values["message"].(string)
			if msg == "" {
				msg = "custom operation failed"
			}
			return Output{Success: false, Message: msg}, nil
		}
		out = map[string]any{"operation": p.Operation, "values": p.Values}
	default:
		return Output{}, fmt.Errorf("unsupported parameters %T for step %s", step.Params, step.Name)
	}
	progress(1, string(step.Kind)+" "+step.Name)
	return Output{Success: true, Outputs: out}, nil
}

// wait simulates a long running step.
func (r *Reference) wait(ctx context.Context, step model.ProcessStep, progress ProgressFunc) error {
	if r.delay <= 0 {
		return ctx.Err()
	}
	tick := r.delay / delayTicks
	timer := time.NewTimer(tick)
	defer timer.Stop()
	for i := range delayTicks {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			progress(float64(i+1)/delayTicks, string(step.Kind)+" "+step.Name)
			timer.Reset(tick)
		}
	}
	return nil
}

// oxidation uses the linear-parabolic (Deal-Grove) growth model
// x² + Ax = B(t + τ) with τ accounting for the oxide already present.
func (r *Reference) oxidation(p *model.OxidationParams) map[string]any {
	kT := boltzmann * (p.Temperature + kelvin)
	var b, ba float64
	if p.Atmosphere == "wet" {
		b = 386 * math.Exp(-0.78/kT)
		ba = 1.63e8 * math.Exp(-2.05/kT)
	} else {
		b = 772 * math.Exp(-1.23/kT)
		ba = 6.23e6 * math.Exp(-2.0/kT)
	}
	b *= p.Pressure
	ba *= p.Pressure
	a := b / ba

	tau := (r.oxide*r.oxide + a*r.oxide) / b
	total := a / 2 * (math.Sqrt(1+(p.Time+tau)/(a*a/(4*b))) - 1)
	grown := total - r.oxide
	r.oxide = total
	r.layers++

	return map[string]any{
		"oxide_thickness": total,
		"grown":           grown,
		"parabolic_rate":  b,
		"linear_rate":     ba,
		"profile":         r.profile(total, 0.02),
	}
}

// doping builds a gaussian implant profile and finds the junction depth
// against the background doping of the wafer.
func (r *Reference) doping(p *model.DopingParams) map[string]any {
	var rp, drp float64 // nm
	if p.Method == "diffusion" {
		drp = 50 * math.Exp((p.Temperature-1000)/200)
	} else {
		rp = rangeFactor(p.Dopant) * p.Energy
		drp = 0.4*rp + 1
	}
	background := r.background()
	junction := 0.0
	if p.Concentration > background {
		junction = rp + drp*math.Sqrt(2*math.Log(p.Concentration/background))
	}

	depth := make([]float64, profilePoint)
	conc := make([]float64, profilePoint)
	limit := 3 * (rp + 3*drp)
	for i := range profilePoint {
		x := limit * float64(i) / (profilePoint - 1)
		depth[i] = x
		conc[i] = p.Concentration * math.Exp(-(x-rp)*(x-rp)/(2*drp*drp))
	}
	r.dose = math.Max(r.dose, p.Concentration)

	return map[string]any{
		"projected_range": rp,
		"straggle":        drp,
		"junction_depth":  junction,
		"background":      background,
		"depth":           depth,
		"concentration":   conc,
	}
}

// rangeFactor is the projected range in nm per keV, roughly linear for the
// low energies used here.
func rangeFactor(dopant string) float64 {
	switch dopant {
	case "boron":
		return 3.2
	case "phosphorus":
		return 1.25
	case "arsenic", "antimony", "indium":
		return 0.6
	default:
		return 1
	}
}

func (r *Reference) background() float64 {
	mobility := 480.0
	if r.cfg.DopingType == "n" {
		mobility = 1350
	}
	return 1 / (charge * mobility * r.cfg.Resistivity)
}

func (r *Reference) lithography(p *model.LithographyParams) map[string]any {
	const k1, na = 0.4, 0.9
	cd := k1 * p.Wavelength / na
	exposed := math.Min(1, p.Dose/100)
	if p.Resist == "negative" {
		exposed = 1 - exposed
	}
	return map[string]any{
		"critical_dimension": cd,
		"exposed_fraction":   exposed,
		"exposure_ok":        p.Dose >= 10 && p.Dose <= 500,
		"mask":               p.Mask,
	}
}

func (r *Reference) deposition(p *model.DepositionParams) map[string]any {
	uniformity := 0.98
	if p.Method == "ald" || p.Method == "epitaxy" {
		uniformity = 0.999
	}
	r.film += p.Thickness
	r.layers++
	return map[string]any{
		"thickness":  p.Thickness,
		"total_film": r.film,
		"uniformity": uniformity,
		"profile":    r.profile(p.Thickness, 1-uniformity),
	}
}

func (r *Reference) etching(p *model.EtchingParams) map[string]any {
	removed := math.Min(p.Depth, r.film)
	r.film -= removed
	return map[string]any{
		"etched_depth": p.Depth,
		"lateral_etch": p.Depth * (1 - p.Anisotropy),
		"mask_loss":    p.Depth / p.Selectivity,
		"total_film":   r.film,
		"profile":      r.profile(p.Depth, 0.03),
	}
}

// metal resistivity in µΩ·cm
var resistivity = map[string]float64{
	"aluminum": 2.65,
	"copper":   1.68,
	"tungsten": 5.6,
	"titanium": 42,
	"gold":     2.44,
}

func (r *Reference) metallization(p *model.MetallizationParams) map[string]any {
	r.layers++
	r.film += p.Thickness
	return map[string]any{
		"thickness":        p.Thickness,
		"sheet_resistance": 10 * resistivity[p.Metal] / p.Thickness, // Ω/sq
	}
}

// annealing reports the boron diffusion length sqrt(Dt).
func (r *Reference) annealing(p *model.AnnealingParams) map[string]any {
	kT := boltzmann * (p.Temperature + kelvin)
	d := 0.76 * math.Exp(-3.46/kT) // cm²/s
	length := math.Sqrt(d*p.Time*3600) * 1e7
	return map[string]any{
		"diffusivity":      d,
		"diffusion_length": length,
		"activation":       math.Min(1, math.Max(0, (p.Temperature-200)/1000)),
	}
}

func (r *Reference) cmp(p *model.CMPParams) map[string]any {
	removed := math.Min(p.Removal, r.film)
	r.film -= removed
	return map[string]any{
		"removed":    removed,
		"planarity":  1 - 0.01*p.Pressure,
		"total_film": r.film,
	}
}

func (r *Reference) inspection(p *model.InspectionParams) map[string]any {
	return map[string]any{
		"method":             p.Method,
		"resolution":         p.Resolution,
		"oxide_thickness":    r.oxide,
		"film_thickness":     r.film,
		"layers":             r.layers,
		"steps":              r.steps,
		"defect_density":     0.1 * float64(r.layers),
		"peak_concentration": r.dose,
		"inspected":          r.now().UTC(),
	}
}

// profile spreads a value over the wafer width with a parabolic edge
// roll-off of the given relative size.
func (r *Reference) profile(v, rolloff float64) []float64 {
	n := max(r.cfg.Width, 1)
	out := make([]float64, n)
	for i := range n {
		x := 0.0
		if n > 1 {
			x = 2*float64(i)/float64(n-1) - 1
		}
		out[i] = v * (1 - rolloff*x*x)
	}
	return out
}
