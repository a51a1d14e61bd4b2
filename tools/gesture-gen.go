// gesture-gen generates synthetic pointer trajectories for tuning the
// shake classifier without dragging a real mouse around.
//
// Usage:
//
//	go run tools/gesture-gen.go -profile zigzag
//	go run tools/gesture-gen.go -profile jitter -sensitivity 0.5
//	go run tools/gesture-gen.go -profile line -sweep
//	go run tools/gesture-gen.go -list
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"shelfd/internal/trajectory"
)

// MotionProfile defines parameters for simulating a pointer motion.
type MotionProfile struct {
	Name        string
	Description string
	Kind        string  // line, zigzag, jitter, arc
	DurationMs  float64 // total trajectory duration
	SampleHz    float64 // pointer sample rate
	Speed       float64 // forward speed in px/s
	Amplitude   float64 // lateral amplitude in px
	CycleMs     float64 // full zigzag cycle period
	NoisePx     float64 // gaussian positional noise sigma
}

var profiles = map[string]MotionProfile{
	"line": {
		Name:        "Straight drag",
		Description: "Fast straight-line drag, the ordinary file drag",
		Kind:        "line",
		DurationMs:  600,
		SampleHz:    125,
		Speed:       400,
		NoisePx:     0.5,
	},
	"slow-line": {
		Name:        "Slow drag",
		Description: "Careful slow drag across the screen",
		Kind:        "line",
		DurationMs:  1500,
		SampleHz:    125,
		Speed:       150,
		NoisePx:     0.2,
	},
	"zigzag": {
		Name:        "Tight zig-zag",
		Description: "Deliberate shake: sharp lateral reversals while dragging",
		Kind:        "zigzag",
		DurationMs:  600,
		SampleHz:    125,
		Speed:       120,
		Amplitude:   40,
		CycleMs:     120,
		NoisePx:     0.5,
	},
	"loose-zigzag": {
		Name:        "Loose zig-zag",
		Description: "Wavy drag with slow reversals, below shake pace",
		Kind:        "zigzag",
		DurationMs:  900,
		SampleHz:    125,
		Speed:       200,
		Amplitude:   60,
		CycleMs:     400,
		NoisePx:     0.5,
	},
	"jitter": {
		Name:        "Hand tremor",
		Description: "Stationary hold with small positional noise",
		Kind:        "jitter",
		DurationMs:  800,
		SampleHz:    125,
		NoisePx:     2.5,
	},
	"arc": {
		Name:        "Smooth arc",
		Description: "Curved drag with gradual turns only",
		Kind:        "arc",
		DurationMs:  700,
		SampleHz:    125,
		Speed:       300,
		Amplitude:   150,
	},
}

// sample is one trajectory point in the JSON dump.
type sample struct {
	XPx float64 `json:"x_px"`
	YPx float64 `json:"y_px"`
	TMs float64 `json:"t_ms"`
}

func main() {
	var (
		profileName  = flag.String("profile", "zigzag", "Motion profile to generate")
		listProfiles = flag.Bool("list", false, "List available profiles")
		seed         = flag.Int64("seed", 0, "Random seed; 0 = use current time")
		durationMs   = flag.Float64("duration", 0, "Override trajectory duration (ms)")
		outputPath   = flag.String("output", "", "Write the trajectory as JSON to this file")
		sweep        = flag.Bool("sweep", false, "Classify across a sensitivity sweep")

		turnAngle   = flag.Float64("turn-angle", 0, "Direction-change turn angle threshold (rad); 0 = default")
		changes     = flag.Int("changes", 0, "Direction changes required for a shake; 0 = default")
		windowMs    = flag.Int("window", 0, "Shake window (ms); 0 = default")
		sensitivity = flag.Float64("sensitivity", 0, "Sensitivity scale; 0 = default")
	)
	flag.Parse()

	if *listProfiles {
		fmt.Println("Available profiles:")
		for name, p := range profiles {
			fmt.Printf("  %-14s %s\n", name, p.Description)
		}
		os.Exit(0)
	}

	profile, ok := profiles[*profileName]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown profile: %s\n", *profileName)
		fmt.Fprintf(os.Stderr, "Use -list to see available profiles\n")
		os.Exit(1)
	}
	if *durationMs > 0 {
		profile.DurationMs = *durationMs
	}

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(*seed))

	thresholds := trajectory.DefaultThresholds()
	if *turnAngle > 0 {
		thresholds.TurnAngle = *turnAngle
	}
	if *changes > 0 {
		thresholds.ShakeChanges = *changes
	}
	if *windowMs > 0 {
		thresholds.ShakeWindow = time.Duration(*windowMs) * time.Millisecond
	}
	if *sensitivity > 0 {
		thresholds.Sensitivity = *sensitivity
	}

	points := generateTrajectory(rng, profile)

	fmt.Printf("Profile: %s (%s)\n", profile.Name, *profileName)
	fmt.Printf("Seed:    %d\n", *seed)
	fmt.Printf("Points:  %d over %.0f ms\n\n", len(points), profile.DurationMs)

	analyzer := trajectory.NewAnalyzerWithThresholds(thresholds)
	for _, p := range points {
		analyzer.Observe(p.X, p.Y, p.At)
	}

	printClassification(analyzer, thresholds)

	if *sweep {
		fmt.Println()
		printSweep(points, thresholds)
	}

	if *outputPath != "" {
		if err := writeTrajectory(*outputPath, points); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("\nTrajectory written to %s\n", *outputPath)
	}
}

// generateTrajectory produces the sample points for a profile. The
// first point sits at t=0; timestamps step at the profile sample rate.
func generateTrajectory(rng *rand.Rand, p MotionProfile) []trajectory.Point {
	start := time.Now().Add(-time.Duration(p.DurationMs) * time.Millisecond)
	interval := 1000.0 / p.SampleHz
	count := int(p.DurationMs/interval) + 1

	points := make([]trajectory.Point, 0, count)
	for i := 0; i < count; i++ {
		tMs := float64(i) * interval
		tSec := tMs / 1000.0

		var x, y float64
		switch p.Kind {
		case "zigzag":
			x = p.Speed * tSec
			y = p.Amplitude * triangleWave(tMs/p.CycleMs)
		case "jitter":
			x, y = 0, 0
		case "arc":
			theta := math.Pi * tMs / p.DurationMs
			x = p.Amplitude * (1 - math.Cos(theta))
			y = p.Amplitude * math.Sin(theta)
		default: // line
			x = p.Speed * tSec
			y = 0
		}

		x += gaussian(rng, p.NoisePx)
		y += gaussian(rng, p.NoisePx)

		points = append(points, trajectory.Point{
			X:  x,
			Y:  y,
			At: start.Add(time.Duration(tMs * float64(time.Millisecond))),
		})
	}
	return points
}

// triangleWave maps phase to [-1, 1] with sharp reversals at the
// extremes, one full cycle per unit of phase.
func triangleWave(phase float64) float64 {
	phase = phase - math.Floor(phase)
	if phase < 0.25 {
		return 4 * phase
	}
	if phase < 0.75 {
		return 2 - 4*phase
	}
	return 4*phase - 4
}

// gaussian samples N(0, sigma) via the Box-Muller transform.
func gaussian(rng *rand.Rand, sigma float64) float64 {
	if sigma <= 0 {
		return 0
	}
	u1 := rng.Float64()
	for u1 == 0 {
		u1 = rng.Float64()
	}
	u2 := rng.Float64()
	z := math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
	return z * sigma
}

func printClassification(a *trajectory.Analyzer, t trajectory.Thresholds) {
	stats := a.Stats()

	if a.ShakeDetected() {
		fmt.Println("Classification: SHAKE")
	} else {
		fmt.Println("Classification: no shake")
	}
	fmt.Printf("Thresholds:     %d changes in %s, turn > %.2f rad, sensitivity %.2f\n\n",
		t.ShakeChanges, t.ShakeWindow, t.TurnAngle, t.Sensitivity)

	fmt.Println("Stats:")
	fmt.Printf("  points:            %d\n", stats.Points)
	fmt.Printf("  total distance:    %.1f px\n", stats.TotalDistance)
	fmt.Printf("  moves:             %d\n", stats.MoveCount)
	fmt.Printf("  direction changes: %d\n", stats.DirectionChanges)
	fmt.Printf("  max velocity:      %.1f px/s\n", stats.MaxVelocity)
	fmt.Printf("  avg velocity:      %.1f px/s\n", stats.AvgVelocity)
	fmt.Printf("  elapsed:           %s\n", stats.Elapsed.Round(time.Millisecond))
}

// printSweep replays the trajectory against a range of sensitivities
// so a tuning change can be judged against all profiles at once.
func printSweep(points []trajectory.Point, base trajectory.Thresholds) {
	fmt.Println("Sensitivity sweep:")
	for s := 0.25; s <= 3.0+1e-9; s += 0.25 {
		t := base
		t.Sensitivity = s
		a := trajectory.NewAnalyzerWithThresholds(t)
		for _, p := range points {
			a.Observe(p.X, p.Y, p.At)
		}
		verdict := "no shake"
		if a.ShakeDetected() {
			verdict = "SHAKE"
		}
		fmt.Printf("  %.2f  %s\n", s, verdict)
	}
}

func writeTrajectory(path string, points []trajectory.Point) error {
	if len(points) == 0 {
		return nil
	}
	t0 := points[0].At
	samples := make([]sample, len(points))
	for i, p := range points {
		samples[i] = sample{
			XPx: p.X,
			YPx: p.Y,
			TMs: float64(p.At.Sub(t0)) / float64(time.Millisecond),
		}
	}
	data, err := json.MarshalIndent(samples, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
