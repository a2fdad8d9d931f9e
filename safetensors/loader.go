package safetensors

import (
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/chromagen/chromagen/ml"
)

// LoadModule copies archive tensors into the `weight:` tagged fields of
// a constructed module.
//
// Tags have the form `weight:"name[,optional]"`:
//   - name joins the prefix with a dot and names the archive entry
//   - optional fields keep their initialization when the entry is missing
//   - "-" skips the field
//
// Untagged struct pointer fields are walked with the current prefix.
// Slices of struct pointers append ".0", ".1", ... per element.
// ml.Tensor fields must already be allocated with the entry's shape;
// LoadModule copies data, it never allocates.
func LoadModule(dst any, weights *ModelWeights, prefix string) error {
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return fmt.Errorf("LoadModule: dst must be a non-nil pointer")
	}
	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return fmt.Errorf("LoadModule: dst must be a pointer to struct, got %v", v.Kind())
	}

	var errs []string
	loadStruct(v, weights, prefix, &errs, false)

	if len(errs) > 0 {
		return fmt.Errorf("LoadModule:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}

// ModuleWeights walks the `weight:` tagged fields of a module and
// returns its tensors keyed by the archive names LoadModule would read
// them from. Optional nil fields are skipped; required nil fields are
// an error.
func ModuleWeights(src any, prefix string) (map[string]ml.Tensor, error) {
	v := reflect.ValueOf(src)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return nil, fmt.Errorf("ModuleWeights: src must be a non-nil pointer")
	}
	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return nil, fmt.Errorf("ModuleWeights: src must be a pointer to struct, got %v", v.Kind())
	}

	out := make(map[string]ml.Tensor)
	var errs []string
	collectStruct(v, prefix, out, &errs, false)

	if len(errs) > 0 {
		return nil, fmt.Errorf("ModuleWeights:\n  %s", strings.Join(errs, "\n  "))
	}
	return out, nil
}

func collectStruct(v reflect.Value, prefix string, out map[string]ml.Tensor, errs *[]string, parentOptional bool) {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		if !fieldVal.CanSet() {
			continue
		}

		tag, hasTag := field.Tag.Lookup("weight")
		if tag == "-" {
			continue
		}

		optional := parentOptional
		name := tag
		if idx := strings.Index(tag, ","); idx != -1 {
			name = tag[:idx]
			if strings.Contains(tag[idx+1:], "optional") {
				optional = true
			}
		}
		full := joinName(prefix, name)

		switch {
		case field.Type == tensorType:
			if !hasTag {
				continue
			}
			if fieldVal.IsNil() {
				if !optional {
					*errs = append(*errs, fmt.Sprintf("tensor %q: field %s.%s is not allocated", full, t.Name(), field.Name))
				}
				continue
			}
			out[full] = fieldVal.Interface().(ml.Tensor)

		case fieldVal.Kind() == reflect.Ptr && field.Type.Elem().Kind() == reflect.Struct:
			childPrefix := full
			if !hasTag {
				childPrefix = prefix
			}
			if fieldVal.IsNil() {
				if !optional {
					*errs = append(*errs, fmt.Sprintf("module %q: field %s.%s is not allocated", childPrefix, t.Name(), field.Name))
				}
				continue
			}
			collectStruct(fieldVal.Elem(), childPrefix, out, errs, optional)

		case fieldVal.Kind() == reflect.Slice && field.Type.Elem().Kind() == reflect.Ptr && field.Type.Elem().Elem().Kind() == reflect.Struct:
			for j := 0; j < fieldVal.Len(); j++ {
				elem := fieldVal.Index(j)
				elemPrefix := fmt.Sprintf("%s.%d", full, j)
				if elem.IsNil() {
					*errs = append(*errs, fmt.Sprintf("module %q: element is not allocated", elemPrefix))
					continue
				}
				collectStruct(elem.Elem(), elemPrefix, out, errs, optional)
			}
		}
	}
}

var tensorType = reflect.TypeOf((*ml.Tensor)(nil)).Elem()

func loadStruct(v reflect.Value, weights *ModelWeights, prefix string, errs *[]string, parentOptional bool) {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		if !fieldVal.CanSet() {
			continue
		}

		tag, hasTag := field.Tag.Lookup("weight")
		if tag == "-" {
			continue
		}

		optional := parentOptional
		name := tag
		if idx := strings.Index(tag, ","); idx != -1 {
			name = tag[:idx]
			if strings.Contains(tag[idx+1:], "optional") {
				optional = true
			}
		}
		full := joinName(prefix, name)

		switch {
		case field.Type == tensorType:
			// Untagged tensors are computed fields.
			if !hasTag {
				continue
			}
			if !weights.Has(full) {
				if !optional {
					_, err := weights.Get(full)
					*errs = append(*errs, err.Error())
				}
				continue
			}
			if fieldVal.IsNil() {
				*errs = append(*errs, fmt.Sprintf("tensor %q: field %s.%s is not allocated", full, t.Name(), field.Name))
				continue
			}
			src, _ := weights.Get(full)
			if err := copyInto(fieldVal.Interface().(ml.Tensor), src); err != nil {
				*errs = append(*errs, err.Error())
			}

		case fieldVal.Kind() == reflect.Ptr && field.Type.Elem().Kind() == reflect.Struct:
			childPrefix := full
			if !hasTag {
				childPrefix = prefix
			}
			if fieldVal.IsNil() {
				if !optional && weights.hasPrefix(childPrefix) {
					*errs = append(*errs, fmt.Sprintf("module %q: field %s.%s is not allocated", childPrefix, t.Name(), field.Name))
				}
				continue
			}
			if optional && !weights.hasPrefix(childPrefix) {
				continue
			}
			loadStruct(fieldVal.Elem(), weights, childPrefix, errs, optional)

		case fieldVal.Kind() == reflect.Slice && field.Type.Elem().Kind() == reflect.Ptr && field.Type.Elem().Elem().Kind() == reflect.Struct:
			for j := 0; j < fieldVal.Len(); j++ {
				elem := fieldVal.Index(j)
				elemPrefix := fmt.Sprintf("%s.%d", full, j)
				if elem.IsNil() {
					*errs = append(*errs, fmt.Sprintf("module %q: element is not allocated", elemPrefix))
					continue
				}
				loadStruct(elem.Elem(), weights, elemPrefix, errs, optional)
			}
		}
	}
}

func copyInto(dst ml.Tensor, src *Tensor) error {
	if !slices.Equal(dst.Shape(), src.Shape()) {
		return fmt.Errorf("tensor %q has shape %v but the module expects %v", src.Name, src.Shape(), dst.Shape())
	}
	f32s, err := src.Floats()
	if err != nil {
		return err
	}
	dst.SetFloats(f32s)
	return nil
}

func joinName(prefix, name string) string {
	if prefix == "" {
		return name
	}
	if name == "" {
		return prefix
	}
	return prefix + "." + name
}
