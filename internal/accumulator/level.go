package accumulator

// Level is how much of a story survives into the accumulated context.
type Level int

const (
	FullDetail Level = iota
	MetadataPlusFiles
	MetadataOnly
)

func (l Level) String() string {
	switch l {
	case FullDetail:
		return "full_detail"
	case MetadataPlusFiles:
		return "metadata_plus_files"
	default:
		return "metadata_only"
	}
}

// LevelFor assigns a compression level from the distance between a story and
// the story being started (1 = immediately preceding). Distances 1-3 keep full
// detail, 4-6 keep metadata and files, and everything else (0, negative or
// 7+) keeps metadata only. An empty history has nothing to detail.
func LevelFor(distance, totalStories int) Level {
	switch {
	case totalStories <= 0 || distance <= 0:
		return MetadataOnly
	case distance <= 3:
		return FullDetail
	case distance <= 6:
		return MetadataPlusFiles
	default:
		return MetadataOnly
	}
}

// lower returns the next, more compressed level.
func (l Level) lower() Level {
	if l >= MetadataOnly {
		return MetadataOnly
	}
	return l + 1
}
