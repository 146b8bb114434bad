// Package kfmt implements the kernel log. Output is formatted without
// relying on the fmt package so that it can be used from code paths that
// run before the general purpose allocator is initialized.
package kfmt

import (
	"io"

	"armmu/kernel/sync"
)

// maxBufSize defines the buffer size for formatting numbers.
const maxBufSize = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")
	openBracket     = []byte("[")
	closeBracket    = []byte("] ")

	// printLock serializes access to the shared formatting buffers and the
	// output sink as log lines may be emitted concurrently by multiple
	// cores.
	printLock sync.Spinlock

	// numFmtBuf and byteBuf are shared scratch buffers guarded by
	// printLock.
	numFmtBuf [maxBufSize]byte
	byteBuf   [1]byte

	// earlyPrintBuffer is a ring buffer that stores Printf output before
	// an output sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	printLock.Acquire()
	defer printLock.Release()

	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// Printf provides a minimal Printf implementation that does not depend on the
// fmt package. The following subset of formatting verbs is supported:
//
// Strings:
//		%s the uninterpreted bytes of the string or byte slice
//
// Integers:
//		%o base 8
//		%d base 10
//		%x base 16, with lower-case letters for a-f
//
// Booleans:
//		%t "true" or "false"
//
// Width is specified by an optional decimal number immediately preceding the
// verb. String values shorter than the width and base-10 integers are
// left-padded with spaces; base-8 and base-16 integers are left-padded with
// zeroes.
//
// The output of Printf is written to the sink registered via SetOutputSink.
// If no sink is available, the output is buffered into a ring-buffer whose
// contents are flushed to the sink once it gets registered.
func Printf(format string, args ...interface{}) {
	printLock.Acquire()
	fprintf(outputSink, format, args...)
	printLock.Release()
}

// Logf behaves like Printf but prefixes the output with "[module] ", the
// convention used by all kernel log lines.
func Logf(module string, format string, args ...interface{}) {
	printLock.Acquire()
	doWrite(outputSink, openBracket)
	writeString(outputSink, module)
	doWrite(outputSink, closeBracket)
	fprintf(outputSink, format, args...)
	printLock.Release()
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	printLock.Acquire()
	fprintf(w, format, args...)
	printLock.Release()
}

func fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		argIndex int
		literal  int
		pos      int
	)

	for pos < len(format) {
		if format[pos] != '%' {
			pos++
			continue
		}

		writeString(w, format[literal:pos])

		padLen, verbPos := parseWidth(format, pos+1)
		if verbPos == len(format) {
			// reached end of formatting string without finding a verb
			doWrite(w, errNoVerb)
			pos, literal = verbPos, verbPos
			break
		}

		switch verb := format[verbPos]; verb {
		case '%':
			writeByte(w, '%')
		case 'd', 'o', 'x', 's', 't':
			if argIndex >= len(args) {
				doWrite(w, errMissingArg)
				break
			}

			fmtArg(w, verb, args[argIndex], padLen)
			argIndex++
		default:
			doWrite(w, errNoVerb)
		}

		pos = verbPos + 1
		literal = pos
	}

	writeString(w, format[literal:pos])

	// Flag unused args
	for ; argIndex < len(args); argIndex++ {
		doWrite(w, errExtraArg)
	}
}

// parseWidth scans the optional width that follows a '%' and returns it
// together with the position of the verb.
func parseWidth(format string, pos int) (int, int) {
	var width int
	for ; pos < len(format) && format[pos] >= '0' && format[pos] <= '9'; pos++ {
		width = (width * 10) + int(format[pos]-'0')
	}

	return width, pos
}

func fmtArg(w io.Writer, verb byte, arg interface{}, padLen int) {
	switch verb {
	case 'o':
		fmtInt(w, arg, 8, padLen)
	case 'd':
		fmtInt(w, arg, 10, padLen)
	case 'x':
		fmtInt(w, arg, 16, padLen)
	case 's':
		fmtString(w, arg, padLen)
	case 't':
		fmtBool(w, arg)
	}
}

// fmtBool prints a formatted version of boolean value v.
func fmtBool(w io.Writer, v interface{}) {
	bVal, ok := v.(bool)
	switch {
	case !ok:
		doWrite(w, errWrongArgType)
	case bVal:
		doWrite(w, trueValue)
	default:
		doWrite(w, falseValue)
	}
}

// fmtString prints a formatted version of a string, a []byte or a value
// implementing the error interface, applying the padding specified by padLen.
func fmtString(w io.Writer, v interface{}, padLen int) {
	switch castedVal := v.(type) {
	case string:
		fmtRepeat(w, ' ', padLen-len(castedVal))
		writeString(w, castedVal)
	case []byte:
		fmtRepeat(w, ' ', padLen-len(castedVal))
		doWrite(w, castedVal)
	case error:
		msg := castedVal.Error()
		fmtRepeat(w, ' ', padLen-len(msg))
		writeString(w, msg)
	default:
		doWrite(w, errWrongArgType)
	}
}

// fmtRepeat writes count bytes with value ch.
func fmtRepeat(w io.Writer, ch byte, count int) {
	for i := 0; i < count; i++ {
		writeByte(w, ch)
	}
}

// toUint64 splits an integer argument into its magnitude and sign.
func toUint64(v interface{}) (uint64, bool, bool) {
	var sval int64
	switch t := v.(type) {
	case uint8:
		return uint64(t), false, true
	case uint16:
		return uint64(t), false, true
	case uint32:
		return uint64(t), false, true
	case uint64:
		return t, false, true
	case uint:
		return uint64(t), false, true
	case uintptr:
		return uint64(t), false, true
	case int8:
		sval = int64(t)
	case int16:
		sval = int64(t)
	case int32:
		sval = int64(t)
	case int64:
		sval = t
	case int:
		sval = int64(t)
	default:
		return 0, false, false
	}

	if sval < 0 {
		return uint64(-sval), true, true
	}
	return uint64(sval), false, true
}

// fmtInt prints out a formatted version of v in the requested base, applying
// the padding specified by padLen. This function supports all built-in signed
// and unsigned integer types and base 8, 10 and 16 output.
func fmtInt(w io.Writer, v interface{}, base, padLen int) {
	uval, negative, ok := toUint64(v)
	if !ok {
		doWrite(w, errWrongArgType)
		return
	}

	if padLen >= maxBufSize {
		padLen = maxBufSize - 1
	}

	padCh := byte('0')
	if base == 10 {
		padCh = ' '
	}

	// Digits are generated right-to-left starting at the end of the
	// buffer.
	pos := maxBufSize
	for {
		pos--
		digit := byte(uval % uint64(base))
		if digit < 10 {
			numFmtBuf[pos] = '0' + digit
		} else {
			numFmtBuf[pos] = 'a' + digit - 10
		}

		if uval /= uint64(base); uval == 0 {
			break
		}
	}

	// Zero padding goes between the sign and the digits; space padding
	// goes before the sign.
	signLen := 0
	if negative {
		signLen = 1
	}

	if padCh == '0' {
		for maxBufSize-pos < padLen && pos > signLen {
			pos--
			numFmtBuf[pos] = padCh
		}
	}

	if negative {
		pos--
		numFmtBuf[pos] = '-'
	}

	for maxBufSize-pos < padLen {
		pos--
		numFmtBuf[pos] = padCh
	}

	doWrite(w, numFmtBuf[pos:])
}

func writeString(w io.Writer, s string) {
	for i := 0; i < len(s); i++ {
		writeByte(w, s[i])
	}
}

func writeByte(w io.Writer, b byte) {
	byteBuf[0] = b
	doWrite(w, byteBuf[:])
}

func doWrite(w io.Writer, p []byte) {
	if w != nil {
		_, _ = w.Write(p)
		return
	}

	_, _ = earlyPrintBuffer.Write(p)
}
