package sorttrack

import "gonum.org/v1/gonum/mat"

// The Kalman state is 7-dimensional: [cx, cy, s, r, vcx, vcy, vs] — box
// centroid, area, aspect ratio, and the velocity of the first three.
// Only [cx, cy, s, r] is directly observed; velocity is inferred.
const (
	stateDim = 7
	obsDim   = 4
)

// transitionF is the constant-velocity state transition matrix: each
// position component advances by its paired velocity component one
// time step per predict call (the model has no explicit dt — predict
// is called once per tracked frame).
var transitionF = mat.NewDense(stateDim, stateDim, []float64{
	1, 0, 0, 0, 1, 0, 0,
	0, 1, 0, 0, 0, 1, 0,
	0, 0, 1, 0, 0, 0, 1,
	0, 0, 0, 1, 0, 0, 0,
	0, 0, 0, 0, 1, 0, 0,
	0, 0, 0, 0, 0, 1, 0,
	0, 0, 0, 0, 0, 0, 1,
})

// transitionQ is the process noise covariance: generous on position,
// small on velocity, tiny on area velocity (the s-rate term rarely
// moves much frame to frame for the boxes this tracks).
var transitionQ = mat.NewDense(stateDim, stateDim, []float64{
	1, 0, 0, 0, 0, 0, 0,
	0, 1, 0, 0, 0, 0, 0,
	0, 0, 1, 0, 0, 0, 0,
	0, 0, 0, 1, 0, 0, 0,
	0, 0, 0, 0, 0.01, 0, 0,
	0, 0, 0, 0, 0, 0.01, 0,
	0, 0, 0, 0, 0, 0, 0.0001,
})

// observationH picks out [cx, cy, s, r] from the 7-dim state.
var observationH = mat.NewDense(obsDim, stateDim, []float64{
	1, 0, 0, 0, 0, 0, 0,
	0, 1, 0, 0, 0, 0, 0,
	0, 0, 1, 0, 0, 0, 0,
	0, 0, 0, 1, 0, 0, 0,
})

// observationR is the measurement noise covariance: position and
// centroid are trusted more than area and aspect ratio, which are
// noisier derived quantities.
var observationR = mat.NewDense(obsDim, obsDim, []float64{
	1, 0, 0, 0,
	0, 1, 0, 0,
	0, 0, 10, 0,
	0, 0, 0, 10,
})

// initialCovariance is the starting uncertainty for a freshly spawned
// track: tight on the observed quantities (all initialized directly
// from the first detection), wide open on velocity since nothing is
// known about motion yet.
func initialCovariance() *mat.Dense {
	return mat.NewDense(stateDim, stateDim, []float64{
		10, 0, 0, 0, 0, 0, 0,
		0, 10, 0, 0, 0, 0, 0,
		0, 0, 10, 0, 0, 0, 0,
		0, 0, 0, 10, 0, 0, 0,
		0, 0, 0, 0, 10000, 0, 0,
		0, 0, 0, 0, 0, 10000, 0,
		0, 0, 0, 0, 0, 0, 10000,
	})
}

// estimate bundles a state vector with its covariance.
type estimate struct {
	state *mat.VecDense
	cov   *mat.Dense
}

// kalmanPredict advances an estimate one step under the constant
// velocity model: x' = F*x, P' = F*P*F^T + Q.
func kalmanPredict(prev estimate) estimate {
	state := mat.NewVecDense(stateDim, nil)
	state.MulVec(transitionF, prev.state)

	var fp mat.Dense
	fp.Mul(transitionF, prev.cov)
	var cov mat.Dense
	cov.Mul(&fp, transitionF.T())
	cov.Add(&cov, transitionQ)

	return estimate{state: state, cov: &cov}
}

// kalmanUpdate folds a 4-dim observation into a prior estimate using
// the Joseph-form covariance update, which stays numerically
// symmetric and positive semi-definite even with imperfect gains.
func kalmanUpdate(prior estimate, z *mat.VecDense) estimate {
	// Innovation y = z - H*x
	hx := mat.NewVecDense(obsDim, nil)
	hx.MulVec(observationH, prior.state)
	var innovation mat.VecDense
	innovation.SubVec(z, hx)

	// Innovation covariance S = H*P*H^T + R
	var hp mat.Dense
	hp.Mul(observationH, prior.cov)
	var s mat.Dense
	s.Mul(&hp, observationH.T())
	s.Add(&s, observationR)

	var sInv mat.Dense
	if err := sInv.Inverse(&s); err != nil {
		// Singular innovation covariance: skip the correction and
		// return the prior unchanged rather than propagate NaNs.
		return prior
	}

	// Kalman gain K = P*H^T*S^-1
	var pht mat.Dense
	pht.Mul(prior.cov, observationH.T())
	var k mat.Dense
	k.Mul(&pht, &sInv)

	// x' = x + K*y
	var correction mat.VecDense
	correction.MulVec(&k, &innovation)
	newState := mat.NewVecDense(stateDim, nil)
	newState.AddVec(prior.state, &correction)

	// Joseph form: P' = (I-KH)*P*(I-KH)^T + K*R*K^T
	var kh mat.Dense
	kh.Mul(&k, observationH)
	ikh := mat.NewDense(stateDim, stateDim, nil)
	ikh.Sub(identity(stateDim), &kh)

	var ikhP mat.Dense
	ikhP.Mul(ikh, prior.cov)
	var term1 mat.Dense
	term1.Mul(&ikhP, ikh.T())

	var kr mat.Dense
	kr.Mul(&k, observationR)
	var term2 mat.Dense
	term2.Mul(&kr, k.T())

	var newCov mat.Dense
	newCov.Add(&term1, &term2)

	return estimate{state: newState, cov: &newCov}
}

func identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}
