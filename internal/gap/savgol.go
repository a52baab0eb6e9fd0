package gap

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// vandermonde 构造 rows×(order+1) 的范德蒙矩阵，第 i 行为 x_i 的 0..order 次幂
func vandermonde(xs []float64, order int) *mat.Dense {
	a := mat.NewDense(len(xs), order+1, nil)
	for i, x := range xs {
		p := 1.0
		for k := 0; k <= order; k++ {
			a.Set(i, k, p)
			p *= x
		}
	}
	return a
}

// savgolCoeffs 计算窗口长度为 window、多项式阶数为 order 的平滑卷积系数
// 系数为最小二乘伪逆的第 0 行，对称窗口中心处的拟合值即 Σ c_j·z_{i+j}
func savgolCoeffs(window, order int) ([]float64, error) {
	if window%2 == 0 || window <= order {
		return nil, fmt.Errorf("invalid savgol window %d for order %d", window, order)
	}
	half := window / 2
	xs := make([]float64, window)
	for i := range xs {
		xs[i] = float64(i - half)
	}
	var qr mat.QR
	qr.Factorize(vandermonde(xs, order))

	identity := mat.NewDiagDense(window, nil)
	for i := 0; i < window; i++ {
		identity.SetDiag(i, 1)
	}
	var pinv mat.Dense
	if err := qr.SolveTo(&pinv, false, identity); err != nil {
		return nil, fmt.Errorf("solve savgol coefficients: %w", err)
	}
	coeffs := make([]float64, window)
	for j := 0; j < window; j++ {
		coeffs[j] = pinv.At(0, j)
	}
	return coeffs, nil
}

// polyfit 对 ys 在 x = 0..len(ys)-1 上做 order 阶最小二乘拟合，返回升幂系数
func polyfit(ys []float64, order int) ([]float64, error) {
	xs := make([]float64, len(ys))
	for i := range xs {
		xs[i] = float64(i)
	}
	var qr mat.QR
	qr.Factorize(vandermonde(xs, order))
	var params mat.VecDense
	if err := qr.SolveVecTo(&params, false, mat.NewVecDense(len(ys), append([]float64(nil), ys...))); err != nil {
		return nil, fmt.Errorf("polyfit: %w", err)
	}
	out := make([]float64, order+1)
	for k := range out {
		out[k] = params.AtVec(k)
	}
	return out, nil
}

// polyval 用 Horner 法计算升幂多项式在 x 处的值
func polyval(coeffs []float64, x float64) float64 {
	v := 0.0
	for k := len(coeffs) - 1; k >= 0; k-- {
		v = v*x + coeffs[k]
	}
	return v
}

// convolveAt 计算位置 i 的平滑值，两个后端共用同一个标量核以保证逐位一致
func convolveAt(z, coeffs []float64, i int) float64 {
	half := len(coeffs) / 2
	sum := 0.0
	for j, c := range coeffs {
		sum += c * z[i+j-half]
	}
	return sum
}

// fitEdges 用首尾各一个完整窗口的多项式拟合填充两端 half 个点
func fitEdges(z, trend []float64, window, order int) error {
	n := len(z)
	half := window / 2
	left, err := polyfit(z[:window], order)
	if err != nil {
		return err
	}
	for i := 0; i < half; i++ {
		trend[i] = polyval(left, float64(i))
	}
	right, err := polyfit(z[n-window:], order)
	if err != nil {
		return err
	}
	for i := n - half; i < n; i++ {
		trend[i] = polyval(right, float64(i-(n-window)))
	}
	return nil
}
