package fwupdate

// parseSharedAttributes does a minimal, allocation-light scan of an
// attributes-response body shaped as {"shared":{...}} (spec §6),
// extracting any of the five descriptor keys present as either a JSON
// string or a bare number. It does not implement general JSON: the
// five keys it recognizes are fixed, and anything else in the object
// is skipped. Unparseable input yields zero calls to set, which the
// caller (Controller.OnAttributes) treats as an incomplete descriptor
// if required fields never arrive.
func parseSharedAttributes(body []byte, set func(key, value string)) {
	i := indexByte(body, '{')
	if i < 0 {
		return
	}
	sharedAt := findKeyObject(body, "shared")
	if sharedAt < 0 {
		return
	}
	scanObjectFields(body, sharedAt, set)
}

// findKeyObject returns the index of the '{' that opens the object
// value of the given top-level key, or -1 if not found.
func findKeyObject(body []byte, key string) int {
	needle := []byte(`"` + key + `"`)
	idx := indexBytes(body, needle)
	if idx < 0 {
		return -1
	}
	i := idx + len(needle)
	// skip whitespace and ':'
	for i < len(body) && (body[i] == ' ' || body[i] == ':' || body[i] == '\t' || body[i] == '\n' || body[i] == '\r') {
		i++
	}
	if i >= len(body) || body[i] != '{' {
		return -1
	}
	return i
}

// scanObjectFields walks a flat (no nested objects/arrays) JSON object
// starting at body[start] == '{', calling set(key, value) for each
// string or bare-literal field.
func scanObjectFields(body []byte, start int, set func(key, value string)) {
	i := start + 1
	for i < len(body) {
		for i < len(body) && isJSONSpace(body[i]) {
			i++
		}
		if i >= len(body) || body[i] == '}' {
			return
		}
		if body[i] != '"' {
			return // malformed; stop scanning rather than guessing
		}
		key, next := scanJSONString(body, i)
		if next < 0 {
			return
		}
		i = next
		for i < len(body) && (isJSONSpace(body[i]) || body[i] == ':') {
			i++
		}
		if i >= len(body) {
			return
		}

		var value string
		if body[i] == '"' {
			value, next = scanJSONString(body, i)
			if next < 0 {
				return
			}
			i = next
		} else {
			value, next = scanJSONLiteral(body, i)
			i = next
		}

		set(key, value)

		for i < len(body) && isJSONSpace(body[i]) {
			i++
		}
		if i < len(body) && body[i] == ',' {
			i++
			continue
		}
		return
	}
}

// scanJSONString reads a quoted JSON string starting at body[i] == '"'
// and returns its unescaped-enough contents (backslash escapes are not
// processed; none of the five descriptor keys ever need them) plus the
// index just past the closing quote.
func scanJSONString(body []byte, i int) (string, int) {
	if i >= len(body) || body[i] != '"' {
		return "", -1
	}
	j := i + 1
	for j < len(body) && body[j] != '"' {
		j++
	}
	if j >= len(body) {
		return "", -1
	}
	return string(body[i+1 : j]), j + 1
}

// scanJSONLiteral reads an unquoted literal (number, true/false/null)
// up to the next comma/brace/whitespace.
func scanJSONLiteral(body []byte, i int) (string, int) {
	j := i
	for j < len(body) && body[j] != ',' && body[j] != '}' && !isJSONSpace(body[j]) {
		j++
	}
	return string(body[i:j]), j
}

func isJSONSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func indexBytes(haystack, needle []byte) int {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return -1
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
