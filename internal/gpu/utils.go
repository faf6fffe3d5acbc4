package gpu

import "fmt"

// Float64ToFloat32 converts a slice of float64 to float32
func Float64ToFloat32(input []float64) []float32 {
	output := make([]float32, len(input))
	for i, v := range input {
		output[i] = float32(v)
	}
	return output
}

// Float32ToFloat64 converts a slice of float32 to float64
func Float32ToFloat64(input []float32) []float64 {
	output := make([]float64, len(input))
	for i, v := range input {
		output[i] = float64(v)
	}
	return output
}

// FlattenMatrix converts a 2D matrix to a flat array in row-major order.
// Ragged rows are rejected.
func FlattenMatrix(matrix [][]float64) (data []float64, rows, cols int, err error) {
	rows = len(matrix)
	if rows == 0 {
		return []float64{}, 0, 0, nil
	}
	cols = len(matrix[0])
	data = make([]float64, 0, rows*cols)
	for i, row := range matrix {
		if len(row) != cols {
			return nil, 0, 0, fmt.Errorf("%w: row %d has %d columns, row 0 has %d", ErrLengthMismatch, i, len(row), cols)
		}
		data = append(data, row...)
	}
	return data, rows, cols, nil
}

// UnflattenMatrix converts a flat row-major array to a 2D matrix
func UnflattenMatrix(array []float64, rows, cols int) [][]float64 {
	if len(array) != rows*cols {
		return nil
	}

	matrix := make([][]float64, rows)
	for i := 0; i < rows; i++ {
		matrix[i] = array[i*cols : (i+1)*cols : (i+1)*cols]
	}
	return matrix
}

// ComplexToPairs converts complex values to [re, im] pairs for JSON.
func ComplexToPairs(c []complex128) [][2]float64 {
	pairs := make([][2]float64, len(c))
	for i, v := range c {
		pairs[i] = [2]float64{real(v), imag(v)}
	}
	return pairs
}

// PairsToComplex converts [re, im] pairs back to complex values.
func PairsToComplex(pairs [][2]float64) []complex128 {
	c := make([]complex128, len(pairs))
	for i, p := range pairs {
		c[i] = complex(p[0], p[1])
	}
	return c
}
