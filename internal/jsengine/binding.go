package jsengine

import (
	"regexp"

	"github.com/dop251/goja"
	"github.com/romaexec/roma/internal/domain"
)

// callNamePattern finds identifiers immediately followed by "(" that are
// not member accesses (not preceded by '.'), the shape of a bare function
// call in the handler scripts this adapter loads.
var callNamePattern = regexp.MustCompile(`(?:^|[^\w.$])([A-Za-z_$][A-Za-z0-9_$]*)\s*\(`)

// jsReservedWords excludes control-flow keywords from candidate-name
// scanning; they precede "(" too ("if(", "while(") but never name a
// callable the guest could be referring to.
var jsReservedWords = map[string]bool{
	"if": true, "else": true, "for": true, "while": true, "do": true,
	"switch": true, "case": true, "default": true, "break": true, "continue": true,
	"function": true, "return": true, "var": true, "let": true, "const": true,
	"new": true, "delete": true, "typeof": true, "instanceof": true, "in": true,
	"of": true, "void": true, "this": true, "true": true, "false": true, "null": true,
	"undefined": true, "try": true, "catch": true, "finally": true, "throw": true,
	"class": true, "extends": true, "super": true, "yield": true, "async": true,
	"await": true, "with": true, "export": true, "import": true, "static": true,
}

// candidateCallNames extracts the distinct bare call-site identifiers in
// source, in first-seen order, skipping reserved words.
func candidateCallNames(source string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, m := range callNamePattern.FindAllStringSubmatch(source, -1) {
		name := m[1]
		if jsReservedWords[name] || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}

// makeBindingStub builds the goja-callable function installed on the
// global object for one host-registered name. Implements §4.7: convert
// the JS call's arguments to the union payload, round-trip them to the
// parent, convert the reply back to a guest value or throw.
func (a *Adapter) makeBindingStub(name string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		arg, ok := jsArgsToPayload(call.Arguments)
		if !ok {
			panic(a.vm.ToValue("Could not convert JS function input to native C++ type."))
		}

		ctx := a.current
		var requestID, requestUUID string
		if ctx != nil {
			requestID, requestUUID = ctx.requestID, ctx.requestUUID
		}

		reply, err := a.caller.Callback(name, domain.ArgToIOProto(arg), requestID, requestUUID)
		if err != nil {
			panic(a.vm.ToValue(err.Error()))
		}

		return ioProtoOutputToJSValue(a.vm, reply)
	}
}

// jsArgsToPayload converts the supported call shapes (zero args, one
// string, one array of strings, one plain object of string→string, one
// byte buffer) into a domain.Arg. Any other shape returns ok=false.
func jsArgsToPayload(args []goja.Value) (domain.Arg, bool) {
	if len(args) == 0 {
		return domain.Arg{}, true
	}
	if len(args) != 1 {
		return domain.Arg{}, false
	}

	v := args[0]
	exported := v.Export()
	switch val := exported.(type) {
	case string:
		return domain.Arg{Str: &val}, true
	case []byte:
		return domain.Arg{Bytes: val}, true
	case []interface{}:
		list := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return domain.Arg{}, false
			}
			list = append(list, s)
		}
		return domain.Arg{List: list}, true
	case map[string]interface{}:
		m := make(map[string]string, len(val))
		for k, item := range val {
			s, ok := item.(string)
			if !ok {
				return domain.Arg{}, false
			}
			m[k] = s
		}
		return domain.Arg{Map: m}, true
	default:
		return domain.Arg{}, false
	}
}

// ioProtoOutputToJSValue converts the parent's reply payload back to a
// guest value, symmetric to jsArgsToPayload; absent fields yield undefined.
func ioProtoOutputToJSValue(vm *goja.Runtime, io domain.IOProto) goja.Value {
	switch {
	case io.OutputString != nil:
		return vm.ToValue(*io.OutputString)
	case io.OutputList != nil:
		return vm.ToValue(io.OutputList)
	case io.OutputMap != nil:
		return vm.ToValue(io.OutputMap)
	case io.OutputBytes != nil:
		return vm.ToValue(io.OutputBytes)
	default:
		return goja.Undefined()
	}
}

// installConsole wires console.log/warn/error to the ConsoleLog bridge,
// one RPC per line (preserved per the open questions in spec.md §9).
func installConsole(vm *goja.Runtime, a *Adapter) error {
	console := vm.NewObject()
	for _, level := range []string{"log", "warn", "error"} {
		level := level
		if err := console.Set(level, func(call goja.FunctionCall) goja.Value {
			line := ""
			for i, arg := range call.Arguments {
				if i > 0 {
					line += " "
				}
				line += arg.String()
			}
			ctx := a.current
			var requestID, requestUUID string
			if ctx != nil {
				requestID, requestUUID = ctx.requestID, ctx.requestUUID
			}
			a.caller.ConsoleLog(level, line, requestID, requestUUID)
			return goja.Undefined()
		}); err != nil {
			return err
		}
	}
	return vm.Set("console", console)
}
