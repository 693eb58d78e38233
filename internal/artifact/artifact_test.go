package artifact

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := map[string]Kind{
		"https://x/y/video.MP4?sig=1":      KindVideo,
		"file.unknownext":                  KindOther,
		"https://cdn/a/b/out.png":          KindImage,
		"https://cdn/a/b/out.JPEG#frag":    KindImage,
		"https://cdn/clip.webm?x=1&y=2":    KindVideo,
		"https://cdn/archive.zip":          KindOther,
		"https://cdn/noext":                KindOther,
		"https://cdn/dir.v2/noext?f=a.png": KindOther,
		"scan.tiff":                        KindImage,
	}
	for in, want := range cases {
		assert.Equal(t, want, Classify(in), in)
	}
}

func TestMediaList_Shapes(t *testing.T) {
	var out OutputData
	raw := `{
		"images": [{"url": "https://h/a.png", "filename": "my%20a.png"}, "https://h/b.jpg"],
		"video": "https://h/v.mp4",
		"videos": {"url": "https://h/w.mov"},
		"files": null
	}`
	require.NoError(t, json.Unmarshal([]byte(raw), &out))

	require.Len(t, out.Images, 2)
	assert.Equal(t, "https://h/a.png", out.Images[0].URL)
	assert.Equal(t, "my a.png", out.Images[0].DecodedFilename())
	assert.Equal(t, "https://h/b.jpg", out.Images[1].URL)
	require.Len(t, out.Video, 1)
	assert.Equal(t, "https://h/v.mp4", out.Video[0].URL)
	require.Len(t, out.Videos, 1)
	assert.Equal(t, "https://h/w.mov", out.Videos[0].URL)
	assert.Empty(t, out.Files)
}

func TestMediaRef_RejectsNumbers(t *testing.T) {
	var l MediaList
	assert.Error(t, json.Unmarshal([]byte(`[42]`), &l))
}

func TestExtract_WrappedAndInlineOutputs(t *testing.T) {
	raw := `{
		"outputs": [
			{"node_id": "9", "data": {"images": [{"url": "https://h/1.png"}]}},
			{"videos": ["https://h/2.mp4", {"url": "https://h/2.mp4"}]},
			{"data": {"files": [
				{"url": "https://h/3.webm?sig=abc"},
				{"url": "https://h/4.bmp"},
				{"url": "https://h/blob", "filename": "notes.txt"},
				{"url": "https://h/blob2", "filename": "shot.png"}
			]}},
			{"data": {"gifs": [{"url": "https://h/anim.gif"}, {"url": "https://h/anim.mp4"}]}}
		],
		"output_files": [{"url": "https://h/legacy.png"}]
	}`
	var p Payload
	require.NoError(t, json.Unmarshal([]byte(raw), &p))

	set := Extract(p)
	urls := func(as []Artifact) []string {
		var out []string
		for _, a := range as {
			out = append(out, a.SourceURL)
		}
		return out
	}
	assert.Equal(t, []string{"https://h/1.png", "https://h/4.bmp", "https://h/blob2", "https://h/anim.gif"}, urls(set.Images))
	assert.Equal(t, []string{"https://h/2.mp4", "https://h/3.webm?sig=abc", "https://h/anim.mp4"}, urls(set.Videos))
	assert.Equal(t, []string{"https://h/blob"}, urls(set.Others))
	assert.Equal(t, "notes.txt", set.Others[0].SuggestedFilename)
	assert.Equal(t, 8, len(set.All()))
}

func TestExtract_FallsBackToOutputFiles(t *testing.T) {
	raw := `{"outputs": [{"data": {}}], "output_files": [{"url": "https://h/legacy.png"}, {"url": "https://h/x.bin"}]}`
	var p Payload
	require.NoError(t, json.Unmarshal([]byte(raw), &p))

	set := Extract(p)
	require.Len(t, set.Images, 1)
	assert.Equal(t, "https://h/legacy.png", set.Images[0].SourceURL)
	require.Len(t, set.Others, 1)
}

func TestExtract_Empty(t *testing.T) {
	assert.Equal(t, 0, Extract(Payload{}).Len())
}

func TestFilter(t *testing.T) {
	f, err := NewFilter([]string{"*.png", "*.MP4"}, []string{"thumb_*"})
	require.NoError(t, err)

	set := Set{
		Images: []Artifact{
			{SourceURL: "https://cdn/out/a.png?sig=1"},
			{SourceURL: "https://cdn/out/thumb_a.png"},
			{SourceURL: "https://cdn/out/b.jpg"},
		},
		Videos: []Artifact{{SourceURL: "https://cdn/x", SuggestedFilename: "clip.mp4"}},
	}
	got := f.Apply(set)
	require.Len(t, got.Images, 1)
	assert.Equal(t, "https://cdn/out/a.png?sig=1", got.Images[0].SourceURL)
	assert.Len(t, got.Videos, 1)

	none, err := NewFilter(nil, []string{" "})
	require.NoError(t, err)
	assert.Nil(t, none)
	assert.Equal(t, set, none.Apply(set))

	_, err = NewFilter([]string{"[a-"}, nil)
	assert.ErrorIs(t, err, ErrInvalidPattern)
}

func TestArtifactFilename(t *testing.T) {
	assert.Equal(t, "my file.png", Artifact{SourceURL: "https://cdn/a/my%20file.png?x=1"}.Filename())
	assert.Equal(t, "given.png", Artifact{SourceURL: "https://cdn/a/b.png", SuggestedFilename: "given.png"}.Filename())
}
