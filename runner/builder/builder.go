package builder

import (
	"fmt"
	"sort"
	"strings"
)

// DataType represents the precision of numerical data
type DataType int

const (
	Float32 DataType = iota + 1
	Float64
	INT32
	INT64
)

const (
	// BlockSize is the largest number of elements handled by one @outer
	// iteration of the batched multiply, one element per @inner thread.
	BlockSize = 256

	// VectorBlock is the @inner width of the vector kernels.
	VectorBlock = 256

	// DotBlocks is the fixed number of partial sums produced by dotPartial.
	// Summing a fixed number of partials in block order keeps Dot
	// deterministic.
	DotBlocks = 64
)

// OperatorName is the device matrix holding the element operator.
const OperatorName = "KM"

// Builder generates the OKL for the element-by-element kernels of one
// element batch
type Builder struct {
	// Partition configuration: the element batch split into blocks
	NumPartitions int
	K             []int
	KpartMax      int // Maximum K value across all blocks

	// Degrees of freedom per element
	Ntot int

	// Type configuration
	FloatType DataType
	IntType   DataType

	// Generated code
	KernelPreamble string
}

// Config holds configuration for creating a Builder
type Config struct {
	K         []int
	Ntot      int
	FloatType DataType
	IntType   DataType
}

// NewBuilder creates a new Builder instance
func NewBuilder(cfg Config) *Builder {
	if len(cfg.K) == 0 {
		panic("K array cannot be empty")
	}
	if cfg.Ntot <= 0 {
		panic(fmt.Sprintf("Ntot must be positive, got %d", cfg.Ntot))
	}
	// Compute KpartMax
	kpartMax := 0
	for _, k := range cfg.K {
		if k < 0 {
			panic(fmt.Sprintf("negative block size in K: %v", cfg.K))
		}
		if k > kpartMax {
			kpartMax = k
		}
	}
	// Set defaults
	floatType := cfg.FloatType
	if floatType == 0 {
		floatType = Float64
	}
	intType := cfg.IntType
	if intType == 0 {
		intType = INT64
	}
	kb := &Builder{
		NumPartitions: len(cfg.K),
		K:             make([]int, len(cfg.K)),
		KpartMax:      kpartMax,
		Ntot:          cfg.Ntot,
		FloatType:     floatType,
		IntType:       intType,
	}
	copy(kb.K, cfg.K)
	return kb
}

// SplitBlocks splits n elements into blocks of blockSize, the last block
// holding the remainder. Every block but the last is full, so block b
// starts at element b*blockSize. Zero elements give one empty block.
func SplitBlocks(n, blockSize int) []int {
	if blockSize <= 0 {
		panic(fmt.Sprintf("block size must be positive, got %d", blockSize))
	}
	if n <= 0 {
		return []int{0}
	}
	k := make([]int, 0, (n+blockSize-1)/blockSize)
	for n > blockSize {
		k = append(k, blockSize)
		n -= blockSize
	}
	return append(k, n)
}

// GetTotalElements returns sum of all K values
func (kb *Builder) GetTotalElements() int {
	total := 0
	for _, k := range kb.K {
		total += k
	}
	return total
}

// GetIntSize returns the size of the integer type in bytes
func (kb *Builder) GetIntSize() int {
	if kb.IntType == INT32 {
		return 4
	}
	return 8
}

// GeneratePreamble generates the kernel preamble shared by every kernel
func (kb *Builder) GeneratePreamble() string {
	var sb strings.Builder

	// 1. Type definitions and constants
	sb.WriteString(kb.generateTypeDefinitions())

	// 2. Matrix operation macros with @inner
	sb.WriteString(kb.generateDeviceMatrixMacro(OperatorName, kb.Ntot, kb.Ntot))

	kb.KernelPreamble = sb.String()
	return kb.KernelPreamble
}

// generateTypeDefinitions creates type definitions based on precision settings
func (kb *Builder) generateTypeDefinitions() string {
	var sb strings.Builder

	floatTypeStr := "double"
	floatSuffix := ""
	if kb.FloatType == Float32 {
		floatTypeStr = "float"
		floatSuffix = "f"
	}

	intTypeStr := "long"
	if kb.IntType == INT32 {
		intTypeStr = "int"
	}

	sb.WriteString(fmt.Sprintf("typedef %s real_t;\n", floatTypeStr))
	sb.WriteString(fmt.Sprintf("typedef %s int_t;\n", intTypeStr))
	sb.WriteString(fmt.Sprintf("#define REAL_ZERO 0.0%s\n", floatSuffix))
	sb.WriteString(fmt.Sprintf("#define REAL_ONE 1.0%s\n", floatSuffix))
	sb.WriteString("\n")

	// Constants
	sb.WriteString(fmt.Sprintf("#define NPART %d\n", kb.NumPartitions))
	sb.WriteString(fmt.Sprintf("#define KpartMax %d\n", max(kb.KpartMax, 1)))
	sb.WriteString(fmt.Sprintf("#define NTOT %d\n", kb.Ntot))
	sb.WriteString(fmt.Sprintf("#define VBLOCK %d\n", VectorBlock))
	sb.WriteString(fmt.Sprintf("#define NDOTBLK %d\n", DotBlocks))
	sb.WriteString("\n")

	return sb.String()
}

// generateDeviceMatrixMacro generates macro for device matrix with column-major access
func (kb *Builder) generateDeviceMatrixMacro(name string, rows, cols int) string {
	var sb strings.Builder

	// Device matrix pointer points to column-major data
	sb.WriteString(fmt.Sprintf("// MATMUL macro for device matrix %s (column-major storage)\n", name))

	sb.WriteString(fmt.Sprintf("#define MATMUL_%s(IN, OUT, K_VAL) \\\n", name))
	sb.WriteString("    do { \\\n")
	sb.WriteString(fmt.Sprintf("        for (int i = 0; i < %d; ++i) { \\\n", rows))
	sb.WriteString("            for (int elem = 0; elem < KpartMax; ++elem; @inner) { \\\n")
	sb.WriteString("                if (elem < (K_VAL)) { \\\n")
	sb.WriteString("                    real_t sum = REAL_ZERO; \\\n")
	sb.WriteString(fmt.Sprintf("                    for (int j = 0; j < %d; ++j) { \\\n", cols))
	sb.WriteString(fmt.Sprintf("                        sum += %s[j * %d + i] * (IN)[elem * %d + j]; \\\n", name, rows, cols))
	sb.WriteString("                    } \\\n")
	sb.WriteString(fmt.Sprintf("                    (OUT)[elem * %d + i] = sum; \\\n", rows))
	sb.WriteString("                } \\\n")
	sb.WriteString("            } \\\n")
	sb.WriteString("        } \\\n")
	sb.WriteString("    } while(0)\n\n")

	return sb.String()
}

// KernelNames returns the names of the generated kernels in sorted order
func (kb *Builder) KernelNames() []string {
	names := make([]string, 0, len(kernelTemplates))
	for name := range kernelTemplates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// KernelSources returns the OKL source of every kernel, preamble included
func (kb *Builder) KernelSources() map[string]string {
	preamble := kb.GeneratePreamble()
	sources := make(map[string]string, len(kernelTemplates))
	for name, body := range kernelTemplates {
		sources[name] = preamble + "\n" + body
	}
	return sources
}
