package bridge

import "math"

func unary(name string, f func(float64) float64) Func {
	return Func{Name: name, Params: []Shape{F64}, Result: F64, Fn: func(c *Call) {
		c.ReturnF64(f(c.F64()))
	}}
}

func binary(name string, f func(float64, float64) float64) Func {
	return Func{Name: name, Params: []Shape{F64, F64}, Result: F64, Fn: func(c *Call) {
		x, y := c.F64(), c.F64()
		c.ReturnF64(f(x, y))
	}}
}

// mathFuncs covers the transcendental functions Wasm has no instruction for.
func mathFuncs() []Func {
	return []Func{
		binary("math_pow", math.Pow),
		binary("math_atan2", math.Atan2),
		unary("math_sqrt", math.Sqrt),
		unary("math_sin", math.Sin),
		unary("math_cos", math.Cos),
		unary("math_tan", math.Tan),
		unary("math_asin", math.Asin),
		unary("math_acos", math.Acos),
		unary("math_atan", math.Atan),
		unary("math_sinh", math.Sinh),
		unary("math_cosh", math.Cosh),
		unary("math_tanh", math.Tanh),
		unary("math_ln", math.Log),
		unary("math_log10", math.Log10),
		unary("math_log2", math.Log2),
		unary("math_exp", math.Exp),
		unary("math_exp2", math.Exp2),
	}
}
