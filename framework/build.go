package framework

// BuildResult is one rendered widget artifact together with the short content
// hash encoded in its file name.
type BuildResult struct {
	Name string `json:"name"`
	Hash string `json:"hash"`
	HTML string `json:"html"`
}

// FileName returns the asset file name the result is stored under.
func (b BuildResult) FileName() string {
	return b.Name + "-" + b.Hash + ".html"
}
