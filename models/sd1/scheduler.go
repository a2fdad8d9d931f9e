package sd1

import (
	"fmt"
	"math"

	"github.com/chromagen/chromagen/ml"
)

type Schedule int

const (
	ScheduleLinear Schedule = iota
	// ScheduleScaledLinear interpolates the square roots of the beta
	// bounds, the stable diffusion convention.
	ScheduleScaledLinear
)

// Scheduler implements DDPM forward diffusion: it mixes signal and noise
// by timestep and undoes one step for the color loss.
type Scheduler struct {
	TrainSteps int

	sqrtACP    []float32
	sqrtComp   []float32
	invSqrtACP []float32
}

func NewScheduler(trainSteps int, betaStart, betaEnd float64, schedule Schedule) *Scheduler {
	s := &Scheduler{
		TrainSteps: trainSteps,
		sqrtACP:    make([]float32, trainSteps),
		sqrtComp:   make([]float32, trainSteps),
		invSqrtACP: make([]float32, trainSteps),
	}

	lo, hi := betaStart, betaEnd
	if schedule == ScheduleScaledLinear {
		lo, hi = math.Sqrt(betaStart), math.Sqrt(betaEnd)
	}

	cumprod := 1.0
	for t := range trainSteps {
		beta := lo
		if trainSteps > 1 {
			beta = lo + (hi-lo)*float64(t)/float64(trainSteps-1)
		}
		if schedule == ScheduleScaledLinear {
			beta = beta * beta
		}

		cumprod *= 1 - beta
		s.sqrtACP[t] = float32(math.Sqrt(cumprod))
		s.sqrtComp[t] = float32(math.Sqrt(1 - cumprod))
		s.invSqrtACP[t] = float32(1 / math.Sqrt(cumprod))
	}

	return s
}

// DefaultScheduler is the stable diffusion 1 schedule.
func DefaultScheduler() *Scheduler {
	return NewScheduler(1000, 0.00085, 0.012, ScheduleScaledLinear)
}

// AddNoise mixes per sample noise into a clean latent batch:
// sqrt(acp_t) x0 + sqrt(1-acp_t) noise.
func (s *Scheduler) AddNoise(ctx ml.Context, x0, noise ml.Tensor, timesteps []int) ml.Tensor {
	signal, noiseStd := s.gather(ctx, timesteps, s.sqrtACP, s.sqrtComp)
	return x0.Mul(ctx, signal).Add(ctx, noise.Mul(ctx, noiseStd))
}

// RemoveNoise estimates the clean latents from a noised batch and the
// predicted noise in one step: (xt - sqrt(1-acp_t) pred) / sqrt(acp_t).
func (s *Scheduler) RemoveNoise(ctx ml.Context, xt, pred ml.Tensor, timesteps []int) ml.Tensor {
	noiseStd, invSignal := s.gather(ctx, timesteps, s.sqrtComp, s.invSqrtACP)
	return xt.Sub(ctx, pred.Mul(ctx, noiseStd)).Mul(ctx, invSignal)
}

// Timesteps returns n timesteps evenly spread over the training range,
// descending, for inference loops.
func (s *Scheduler) Timesteps(n int) []int {
	if n <= 0 {
		return nil
	}

	out := make([]int, n)
	if n == 1 {
		out[0] = s.TrainSteps - 1
		return out
	}

	step := float64(s.TrainSteps-1) / float64(n-1)
	for i := range out {
		out[i] = int(math.Round(float64(s.TrainSteps-1) - step*float64(i)))
	}

	return out
}

// gather builds [batch, 1, 1, 1] coefficient tensors for per sample
// timesteps, ready to broadcast over latents.
func (s *Scheduler) gather(ctx ml.Context, timesteps []int, a, b []float32) (ml.Tensor, ml.Tensor) {
	av := make([]float32, len(timesteps))
	bv := make([]float32, len(timesteps))
	for i, t := range timesteps {
		if t < 0 || t >= s.TrainSteps {
			panic(fmt.Errorf("timestep %d outside the schedule of %d steps", t, s.TrainSteps))
		}

		av[i] = a[t]
		bv[i] = b[t]
	}

	n := len(timesteps)
	return ctx.FromFloats(av, n, 1, 1, 1), ctx.FromFloats(bv, n, 1, 1, 1)
}
