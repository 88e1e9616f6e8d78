package readers

type FileReader interface {
	CanRead(path string) bool
	ReadText(path string) (string, error)
}

// Default returns the readers tried in order for every document: the
// pure-Go PDF and text readers first, docconv for everything else.
func Default() []FileReader {
	return []FileReader{
		&PdfFileReader{},
		&TxtFileReader{},
		&UniversalFileReader{},
	}
}

// Find returns the first reader that accepts path, or nil.
func Find(readers []FileReader, path string) FileReader {
	for _, r := range readers {
		if r.CanRead(path) {
			return r
		}
	}

	return nil
}
