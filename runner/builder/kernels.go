package builder

// Kernel names
const (
	BatchedMatmul = "batchedMatmul"
	ScaleVector   = "scaleVector"
	AxpyVector    = "axpyVector"
	XpbyVector    = "xpbyVector"
	DiagonalApply = "diagonalApply"
	DotPartial    = "dotPartial"
)

// Element batches are column-major: element e occupies [e*NTOT, (e+1)*NTOT).
// Block part starts at element part*KpartMax since only the last block is
// short.
var kernelTemplates = map[string]string{
	BatchedMatmul: `@kernel void batchedMatmul(
	const int_t* K,
	const real_t* KM,
	const real_t* IN,
	real_t* OUT
) {
	for (int part = 0; part < NPART; ++part; @outer) {
		const real_t* U = IN + part * KpartMax * NTOT;
		real_t* V = OUT + part * KpartMax * NTOT;

		MATMUL_KM(U, V, K[part]);
	}
}
`,

	ScaleVector: `@kernel void scaleVector(
	const int n,
	const real_t alpha,
	real_t* x
) {
	for (int b = 0; b < (n + VBLOCK - 1) / VBLOCK; ++b; @outer) {
		for (int t = 0; t < VBLOCK; ++t; @inner) {
			const int i = b * VBLOCK + t;
			if (i < n) {
				x[i] *= alpha;
			}
		}
	}
}
`,

	AxpyVector: `@kernel void axpyVector(
	const int n,
	const real_t alpha,
	const real_t* x,
	real_t* y
) {
	for (int b = 0; b < (n + VBLOCK - 1) / VBLOCK; ++b; @outer) {
		for (int t = 0; t < VBLOCK; ++t; @inner) {
			const int i = b * VBLOCK + t;
			if (i < n) {
				y[i] += alpha * x[i];
			}
		}
	}
}
`,

	XpbyVector: `@kernel void xpbyVector(
	const int n,
	const real_t beta,
	const real_t* x,
	real_t* y
) {
	for (int b = 0; b < (n + VBLOCK - 1) / VBLOCK; ++b; @outer) {
		for (int t = 0; t < VBLOCK; ++t; @inner) {
			const int i = b * VBLOCK + t;
			if (i < n) {
				y[i] = x[i] + beta * y[i];
			}
		}
	}
}
`,

	DiagonalApply: `@kernel void diagonalApply(
	const int n,
	const real_t* diag,
	const real_t* in,
	real_t* out
) {
	for (int b = 0; b < (n + VBLOCK - 1) / VBLOCK; ++b; @outer) {
		for (int t = 0; t < VBLOCK; ++t; @inner) {
			const int i = b * VBLOCK + t;
			if (i < n) {
				out[i] = diag[i] * in[i];
			}
		}
	}
}
`,

	// Each block strides over the vector, then thread 0 sums the block in
	// thread order.
	DotPartial: `@kernel void dotPartial(
	const int n,
	const real_t* x,
	const real_t* y,
	real_t* partial
) {
	for (int b = 0; b < NDOTBLK; ++b; @outer) {
		@shared real_t s[VBLOCK];

		for (int t = 0; t < VBLOCK; ++t; @inner) {
			real_t acc = REAL_ZERO;
			for (int i = b * VBLOCK + t; i < n; i += NDOTBLK * VBLOCK) {
				acc += x[i] * y[i];
			}
			s[t] = acc;
		}

		for (int t = 0; t < VBLOCK; ++t; @inner) {
			if (t == 0) {
				real_t sum = REAL_ZERO;
				for (int k = 0; k < VBLOCK; ++k) {
					sum += s[k];
				}
				partial[b] = sum;
			}
		}
	}
}
`,
}
