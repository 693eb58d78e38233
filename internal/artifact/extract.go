package artifact

// Artifact is one output entity referenced by a completed run
type Artifact struct {
	SourceURL         string `json:"source_url"`
	Kind              Kind   `json:"kind"`
	SuggestedFilename string `json:"suggested_filename,omitempty"`
}

// Set groups extracted artifacts by kind, preserving payload order
type Set struct {
	Images []Artifact
	Videos []Artifact
	Others []Artifact
}

// All returns every artifact: images, then videos, then other files
func (s Set) All() []Artifact {
	out := make([]Artifact, 0, len(s.Images)+len(s.Videos)+len(s.Others))
	out = append(out, s.Images...)
	out = append(out, s.Videos...)
	out = append(out, s.Others...)
	return out
}

// Len returns the number of artifacts in the set
func (s Set) Len() int {
	return len(s.Images) + len(s.Videos) + len(s.Others)
}

// Extract walks a run payload and classifies every referenced artifact.
// If the outputs list yields nothing, the legacy output_files list is used.
func Extract(p Payload) Set {
	var set Set
	seen := make(map[string]struct{})

	add := func(ref MediaRef, kind Kind) {
		if ref.URL == "" {
			return
		}
		if _, dup := seen[ref.URL]; dup {
			return
		}
		seen[ref.URL] = struct{}{}
		a := Artifact{SourceURL: ref.URL, Kind: kind, SuggestedFilename: ref.DecodedFilename()}
		switch kind {
		case KindImage:
			set.Images = append(set.Images, a)
		case KindVideo:
			set.Videos = append(set.Videos, a)
		default:
			set.Others = append(set.Others, a)
		}
	}

	for _, out := range p.Outputs {
		for _, ref := range out.Data.Images {
			add(ref, KindImage)
		}
		for _, field := range []MediaList{out.Data.Video, out.Data.Videos} {
			for _, ref := range field {
				add(ref, KindVideo)
			}
		}
		// animated outputs: real .gif files stay images, everything else is video
		for _, ref := range out.Data.Gifs {
			if classifyRef(ref) == KindImage {
				add(ref, KindImage)
			} else {
				add(ref, KindVideo)
			}
		}
		for _, ref := range out.Data.Files {
			add(ref, classifyRef(ref))
		}
	}

	if set.Len() == 0 {
		for _, ref := range p.OutputFiles {
			add(ref, classifyRef(ref))
		}
	}

	return set
}

// classifyRef classifies by URL, falling back to the API-provided filename
// when the URL carries no recognisable extension
func classifyRef(ref MediaRef) Kind {
	if kind := Classify(ref.URL); kind != KindOther {
		return kind
	}
	if ref.Filename != "" {
		return Classify(ref.DecodedFilename())
	}
	return KindOther
}
