package dhcpsvc

import (
	"fmt"

	"github.com/AdguardTeam/golibs/errors"
)

// Option is a single DHCP option as it appears on the wire: a one-octet code
// paired with opaque data.  Unlike [layers.DHCPOption], which only models the
// base "dhcp" option space used by v4 messages, Option is shared by every
// universe (see [Universe]) so that the relay-agent, vendor, and FQDN option
// spaces can be decoded and re-encoded with the same machinery.
type Option struct {
	Code byte
	Data []byte
}

// Options is an ordered list of [Option] values, as they're laid out in an
// option buffer.
type Options []Option

// Get returns the data of the first option with the given code.
func (os Options) Get(code byte) (data []byte, ok bool) {
	for _, o := range os {
		if o.Code == code {
			return o.Data, true
		}
	}

	return nil, false
}

// Set replaces the first option with the given code, or appends a new one if
// none exists, returning the updated slice.  A nil data deletes the option
// instead, matching the "supersede" and implicit-option-removal convention
// used throughout the configuration layer.
func (os Options) Set(code byte, data []byte) (res Options) {
	if data == nil {
		return os.Delete(code)
	}

	for i, o := range os {
		if o.Code == code {
			os[i].Data = data

			return os
		}
	}

	return append(os, Option{Code: code, Data: data})
}

// Delete removes every option with the given code, returning the updated
// slice.
func (os Options) Delete(code byte) (res Options) {
	res = os[:0]
	for _, o := range os {
		if o.Code != code {
			res = append(res, o)
		}
	}

	return res
}

// Clone returns a deep copy of os.
func (os Options) Clone() (clone Options) {
	clone = make(Options, len(os))
	for i, o := range os {
		clone[i] = Option{Code: o.Code, Data: append([]byte(nil), o.Data...)}
	}

	return clone
}

// Option codes used by the overload and option-buffer construction
// machinery.  Universe-specific codes live alongside their universes in
// universe.go.
const (
	optPad      byte = 0
	optEnd      byte = 255
	optOverload byte = 52
)

// Overload flag bits for option 52, the DHCP Option Overload option.  See RFC
// 2131 Section 4.1 and RFC 2132 Section 9.3.
const (
	overloadFile  byte = 1 << 0
	overloadSname byte = 1 << 1
)

// ParseOptionBuffer parses the variable-length options field, and, depending
// on the value of option 52 found there, the file and sname fields of a
// DHCPv4 packet.  It implements parse_option_buffer: options are read until
// an End option or the end of each buffer, Pad options are skipped, and the
// overload flag decides whether file, sname, or both are also parsed as
// option buffers and appended to the result.
func ParseOptionBuffer(options, file, sname []byte) (opts Options, err error) {
	opts, err = parseOneOptionBuffer(options)
	if err != nil {
		return nil, fmt.Errorf("parsing options field: %w", err)
	}

	overload, _ := overloadValue(opts)
	if overload == 0 {
		return opts, nil
	}

	if overload&overloadFile != 0 {
		var fileOpts Options
		fileOpts, err = parseOneOptionBuffer(file)
		if err != nil {
			return nil, fmt.Errorf("parsing overloaded file field: %w", err)
		}

		opts = append(opts, fileOpts...)
	}

	if overload&overloadSname != 0 {
		var snameOpts Options
		// REDESIGN: the overloaded data the client/server placed in the
		// second area lives in the packet's sname field, not a second copy
		// of the file field.
		snameOpts, err = parseOneOptionBuffer(sname)
		if err != nil {
			return nil, fmt.Errorf("parsing overloaded sname field: %w", err)
		}

		opts = append(opts, snameOpts...)
	}

	return opts, nil
}

// overloadValue returns the value of option 52 in opts, if present.
func overloadValue(opts Options) (v byte, ok bool) {
	data, ok := opts.Get(optOverload)
	if !ok || len(data) != 1 {
		return 0, false
	}

	return data[0], true
}

// parseOneOptionBuffer decodes a single TLV-encoded option buffer.
func parseOneOptionBuffer(buf []byte) (opts Options, err error) {
	for i := 0; i < len(buf); {
		code := buf[i]
		switch code {
		case optPad:
			i++

			continue
		case optEnd:
			return opts, nil
		}

		if i+1 >= len(buf) {
			return nil, fmt.Errorf("option %d: truncated length byte: %w", code, errors.ErrBadEnumValue)
		}

		length := int(buf[i+1])
		start := i + 2
		end := start + length
		if end > len(buf) {
			return nil, fmt.Errorf("option %d: length %d exceeds buffer: %w", code, length, errors.ErrOutOfRange)
		}

		data := make([]byte, length)
		copy(data, buf[start:end])
		opts = append(opts, Option{Code: code, Data: data})

		i = end
	}

	return opts, nil
}

// encodeOption appends the TLV encoding of o to buf.
func encodeOption(buf []byte, o Option) (res []byte) {
	buf = append(buf, o.Code, byte(len(o.Data)))
	buf = append(buf, o.Data...)

	return buf
}

// fillOptionBuffer encodes as many leading options from opts as fit within
// cap bytes (reserving none for a terminator; the caller appends optEnd
// itself), returning the encoded bytes and the options that didn't fit.
func fillOptionBuffer(opts Options, cap int) (encoded []byte, rest Options) {
	buf := make([]byte, 0, max(cap, 0))
	i := 0
	for ; i < len(opts); i++ {
		o := opts[i]
		need := 2 + len(o.Data)
		if len(buf)+need > cap {
			break
		}

		buf = encodeOption(buf, o)
	}

	return buf, opts[i:]
}

// StoreOptions implements store_options/cons_options: it packs opts into the
// options field, splitting the tail into the file and, as a last resort, the
// sname field when the options field is too small, and sets the overload
// option (52) accordingly.  optionsCap, fileCap, and snameCap are the usable
// capacities of each field, including room for the trailing End option this
// function appends.
func StoreOptions(opts Options, optionsCap, fileCap, snameCap int) (options, file, sname []byte, overload byte) {
	rest := opts

	var optionsBody, fileBody, snameBody []byte

	optionsBody, rest = fillOptionBuffer(rest, optionsCap-1)
	if len(rest) == 0 {
		return append(optionsBody, optEnd), nil, nil, 0
	}

	fileBody, rest = fillOptionBuffer(rest, fileCap-1)
	overload = overloadFile

	if len(rest) > 0 {
		// REDESIGN: the remaining options are written into the packet's
		// sname field, not a second copy of the file field.
		snameBody, rest = fillOptionBuffer(rest, snameCap-1)
		overload |= overloadSname
	}

	// The overload option itself must fit in the options field; reserve its
	// 3 bytes by re-packing with a smaller cap if necessary.
	optionsBody, rest = fillOptionBuffer(opts, optionsCap-1-3)
	optionsBody = encodeOption(optionsBody, Option{Code: optOverload, Data: []byte{overload}})

	fileBody, rest = fillOptionBuffer(rest, fileCap-1)
	if len(rest) > 0 {
		snameBody, rest = fillOptionBuffer(rest, snameCap-1)
	} else {
		snameBody = nil
	}

	_ = rest

	return append(optionsBody, optEnd), append(fileBody, optEnd), appendIfNonEmpty(snameBody), overload
}

// appendIfNonEmpty terminates body with optEnd if it's non-empty, matching
// the convention that an all-zero sname/file field (no overload bit set)
// needs no terminator of its own.
func appendIfNonEmpty(body []byte) (res []byte) {
	if len(body) == 0 {
		return nil
	}

	return append(body, optEnd)
}
