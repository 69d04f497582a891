package markup

// Kind 表示文件内容的编码方式。
type Kind string

const (
	KindText   Kind = "text"
	KindBinary Kind = "binary" // Content 为 base64
)

// ExtractedFile 是从 <FILE NAME="..."> 块中取出的单个文件。
type ExtractedFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
	Kind    Kind   `json:"type"`
}

// FileSet is one complete app payload, files in order of appearance.
// A new FileSet replaces the previous one wholesale.
type FileSet struct {
	Autorun bool            `json:"autorun"`
	Files   []ExtractedFile `json:"files"`
}

// Equal reports whether two sets carry the same files in the same order.
func (fs FileSet) Equal(other FileSet) bool {
	if fs.Autorun != other.Autorun || len(fs.Files) != len(other.Files) {
		return false
	}
	for i := range fs.Files {
		if fs.Files[i] != other.Files[i] {
			return false
		}
	}
	return true
}

// Names 返回文件名列表（保持顺序）。
func (fs FileSet) Names() []string {
	names := make([]string, 0, len(fs.Files))
	for _, f := range fs.Files {
		names = append(names, f.Name)
	}
	return names
}

// Lookup finds a file by name. With duplicate names the last one wins,
// matching what ends up on disk after a sync.
func (fs FileSet) Lookup(name string) (ExtractedFile, bool) {
	for i := len(fs.Files) - 1; i >= 0; i-- {
		if fs.Files[i].Name == name {
			return fs.Files[i], true
		}
	}
	return ExtractedFile{}, false
}
