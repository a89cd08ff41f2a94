package calc

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/divan/num2words"
)

// builtinPrint writes its arguments separated by spaces and returns the
// last one, so `print(x)` can be used inside expressions.
func builtinPrint(vm *VM, args ...Object) Object {
	strArgs := make([]string, len(args))
	for i, arg := range args {
		strArgs[i] = arg.String()
	}
	fmt.Fprintln(vm.Stdout, strings.Join(strArgs, " "))
	if len(args) == 0 {
		return NullObj{}
	}
	return args[len(args)-1]
}

func builtinLength(s string) int64 {
	return int64(utf8.RuneCountInString(s))
}

// builtinString spells numbers out in English words and passes other values
// through their string form.
func builtinString(obj Object) string {
	switch n := obj.(type) {
	case NumberObj:
		return numberToWords(n.Value)
	case FloatObj:
		return floatToWords(n.Value)
	}
	return obj.String()
}

var BuiltinFunctions = map[string]any{
	"print":  builtinPrint,
	"length": builtinLength,
	"string": builtinString,
}

var BuiltinDocs = map[string]string{
	"print":  "print(values...) writes values separated by spaces and returns the last one.",
	"length": "length(s) returns the number of characters in string s.",
	"string": "string(v) spells a number out in words, or converts v to a string.",
}

// wordsLimit is the first magnitude num2words has no scale word for.
const wordsLimit = 1_000_000_000_000

func numberToWords(n int64) string {
	if n <= -wordsLimit || n >= wordsLimit {
		return strconv.FormatInt(n, 10)
	}
	return num2words.ConvertAnd(int(n))
}

// floatToWords reads the integer part as a number and the fraction digit by
// digit, as in "three point one four".
func floatToWords(f float64) string {
	if a := math.Abs(f); math.IsInf(f, 0) || math.IsNaN(f) || a >= wordsLimit || (a != 0 && a < 1e-4) {
		return formatFloat(f)
	}
	intPart, frac, _ := strings.Cut(strconv.FormatFloat(f, 'f', -1, 64), ".")
	whole, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return formatFloat(f)
	}
	words := numberToWords(whole)
	if whole == 0 && f < 0 {
		words = "minus " + words
	}
	if frac == "" {
		return words
	}
	digits := make([]string, len(frac))
	for i, d := range frac {
		digits[i] = num2words.Convert(int(d - '0'))
	}
	return words + " point " + strings.Join(digits, " ")
}

// LoadBuiltins registers the builtin functions as globals.
func (vm *VM) LoadBuiltins() error {
	for name, fn := range BuiltinFunctions {
		nativeFunc, err := CreateNativeFunction(name, fn, BuiltinDocs[name])
		if err != nil {
			return err
		}
		vm.AddGlobal(name, nativeFunc)
	}
	return nil
}
