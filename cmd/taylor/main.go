package main

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"taylor-ode/internal/simd"
	"taylor-ode/pkg/expr"
	"taylor-ode/pkg/integrator"
	"taylor-ode/pkg/parser"
	"taylor-ode/pkg/taylor"
	"taylor-ode/pkg/util"
)

var (
	flagRTol     float64
	flagATol     float64
	flagUntil    float64
	flagMaxSteps int
	flagVerbose  bool
)

func main() {
	root := &cobra.Command{
		Use:   "taylor",
		Short: "Adaptive Taylor-series ODE integrator",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagVerbose {
				log.SetLevel(log.DebugLevel)
			}
		},
	}
	root.PersistentFlags().Float64Var(&flagRTol, "rtol", 1e-12, "relative tolerance")
	root.PersistentFlags().Float64Var(&flagATol, "atol", 1e-12, "absolute tolerance")
	root.PersistentFlags().Float64Var(&flagUntil, "until", 10, "target time")
	root.PersistentFlags().IntVar(&flagMaxSteps, "max-steps", 0, "step limit (0 = unlimited)")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	root.AddCommand(runCmd(), pendulumCmd(), twobodyCmd(), benchCmd())

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func parseFloats(s string) ([]float64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float64, len(parts))
	for i, p := range parts {
		x, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q: %v", p, err)
		}
		out[i] = x
	}
	return out, nil
}

func printFinal(names []string, ta *integrator.Adaptive, res integrator.PropResult) {
	fmt.Printf("\noutcome=%s steps=%d order=[%d,%d] h=[%s,%s]\n",
		res.Outcome, res.Steps, res.MinOrder, res.MaxOrder,
		util.FormatStep(res.MinH), util.FormatStep(res.MaxH))
	fmt.Printf("t=%s\n", util.FormatTime(ta.Time()))
	state := ta.State()
	for i, name := range names {
		fmt.Println("  " + util.FormatState(name, state[i]))
	}
}

func runCmd() *cobra.Command {
	var file, stateStr, paramStr string
	var dumpIR, dumpDec bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Integrate a system read from a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			sys, err := parser.Parse(string(data))
			if err != nil {
				return fmt.Errorf("parsing %s: %v", file, err)
			}
			state, err := parseFloats(stateStr)
			if err != nil {
				return err
			}
			params, err := parseFloats(paramStr)
			if err != nil {
				return err
			}

			ta, err := integrator.NewPairs(sys, state, integrator.Config{
				RTol: flagRTol, ATol: flagATol, Params: params,
			})
			if err != nil {
				return err
			}

			if dumpDec {
				fmt.Print(ta.Decomposition())
			}
			if dumpIR {
				fmt.Print(ta.IR())
			}

			res, err := ta.PropagateUntil(flagUntil, flagMaxSteps)
			if err != nil {
				return err
			}
			names := make([]string, len(sys))
			for i, eq := range sys {
				names[i] = eq.Lhs.String()
			}
			printFinal(names, ta, res)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "system file (x' = ... per line)")
	cmd.Flags().StringVar(&stateStr, "state", "", "comma-separated initial state")
	cmd.Flags().StringVar(&paramStr, "params", "", "comma-separated parameter values")
	cmd.Flags().BoolVar(&dumpIR, "dump-ir", false, "print the emitted IR")
	cmd.Flags().BoolVar(&dumpDec, "dump-decomposition", false, "print the Taylor decomposition")
	cmd.MarkFlagRequired("file")
	cmd.MarkFlagRequired("state")
	return cmd
}

func pendulumCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pendulum",
		Short: "Integrate the simple pendulum th'' = -sin(th)",
		RunE: func(cmd *cobra.Command, args []string) error {
			th, v := expr.Var("th"), expr.Var("v")
			// Deduced state order is alphabetical: th, v.
			sys := []expr.Expr{v, expr.Neg(expr.Sin(th))}

			ta, err := integrator.New(sys, []float64{0.05, 0.025}, integrator.Config{
				RTol: flagRTol, ATol: flagATol,
			})
			if err != nil {
				return err
			}
			res, err := ta.PropagateUntil(flagUntil, flagMaxSteps)
			if err != nil {
				return err
			}
			printFinal([]string{"th", "v"}, ta, res)
			return nil
		},
	}
}

// twoBodySystem builds the spatial two-body problem with unit masses and
// unit gravitational constant, state order (positions, then velocities).
func twoBodySystem() ([]expr.Expr, []string) {
	names := []string{"x0", "y0", "z0", "x1", "y1", "z1",
		"vx0", "vy0", "vz0", "vx1", "vy1", "vz1"}
	pos := expr.Vars(names[:6]...)
	vel := expr.Vars(names[6:]...)

	dx := expr.Sub(pos[3], pos[0])
	dy := expr.Sub(pos[4], pos[1])
	dz := expr.Sub(pos[5], pos[2])
	r2 := expr.Add(expr.Add(expr.Mul(dx, dx), expr.Mul(dy, dy)), expr.Mul(dz, dz))
	r3 := expr.Pow(r2, expr.Num(1.5))

	rhs := make([]expr.Expr, 0, 12)
	rhs = append(rhs, vel...)
	for _, d := range []expr.Expr{dx, dy, dz} {
		rhs = append(rhs, expr.Div(d, r3))
	}
	for _, d := range []expr.Expr{dx, dy, dz} {
		rhs = append(rhs, expr.Neg(expr.Div(d, r3)))
	}
	return rhs, names
}

func twoBodyEnergy(s []float64) float64 {
	dx, dy, dz := s[3]-s[0], s[4]-s[1], s[5]-s[2]
	r := math.Sqrt(dx*dx + dy*dy + dz*dz)
	kin := 0.0
	for _, v := range s[6:12] {
		kin += 0.5 * v * v
	}
	return kin - 1/r
}

func twoBodyInit() []float64 {
	p := []float64{0.127537, 1.385958, 0.357329}
	v := []float64{-0.418613, 0.032225, 0.070830}
	state := make([]float64, 12)
	for i := 0; i < 3; i++ {
		state[i] = p[i]
		state[3+i] = -p[i]
		state[6+i] = v[i]
		state[9+i] = -v[i]
	}
	return state
}

func twobodyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "twobody",
		Short: "Integrate the two-body problem and report the energy drift",
		RunE: func(cmd *cobra.Command, args []string) error {
			rhs, names := twoBodySystem()
			eqs := make([]taylor.Equation, len(rhs))
			for i := range rhs {
				eqs[i] = taylor.Equation{Lhs: expr.Var(names[i]), Rhs: rhs[i]}
			}

			state := twoBodyInit()
			e0 := twoBodyEnergy(state)

			ta, err := integrator.NewPairs(eqs, state, integrator.Config{
				RTol: flagRTol, ATol: flagATol,
			})
			if err != nil {
				return err
			}
			res, err := ta.PropagateUntil(flagUntil, flagMaxSteps)
			if err != nil {
				return err
			}
			printFinal(names, ta, res)

			e1 := twoBodyEnergy(ta.State())
			fmt.Printf("relative energy drift: %.3e\n", math.Abs((e1-e0)/e0))
			return nil
		},
	}
}

func benchCmd() *cobra.Command {
	var lanes, steps int

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Batch-integrate the pendulum over replicated SIMD lanes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if lanes == 0 {
				lanes = simd.Width()
				if lanes == 0 {
					lanes = 1
				}
			}

			th, v := expr.Var("th"), expr.Var("v")
			sys := []expr.Expr{v, expr.Neg(expr.Sin(th))}

			// Lane l starts at a slightly different amplitude.
			states := make([]float64, 2*lanes)
			for l := 0; l < lanes; l++ {
				states[l] = 0.05 * float64(l+1)
			}

			tb, err := integrator.NewBatch(sys, states, lanes, integrator.Config{
				RTol: flagRTol, ATol: flagATol,
			})
			if err != nil {
				return err
			}

			for s := 0; s < steps; s++ {
				for _, r := range tb.Step() {
					if r.Outcome.Fatal() {
						return fmt.Errorf("lane failed with %s at step %d", r.Outcome, s)
					}
				}
			}

			times := tb.Times()
			for l := 0; l < lanes; l++ {
				st := tb.LaneState(l)
				fmt.Printf("lane %2d  t=%s  %s  %s\n", l, util.FormatTime(times[l]),
					util.FormatState("th", st[0]), util.FormatState("v", st[1]))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&lanes, "lanes", 0, "batch width (0 = SIMD width)")
	cmd.Flags().IntVar(&steps, "steps", 1000, "number of steps")
	return cmd
}
