package interpret

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/image/draw"

	"scanstation/internal/domain"
)

// Page images are scaled to this width before mark scoring so layout
// geometry and thresholds behave the same across scan resolutions.
const normalizedWidth = 1000

// The metadata strip is a single row of binary modules along the bottom
// edge of the page, printed when the ballot is rendered.
const (
	stripModules    = 32
	stripHeightFrac = 0.02

	sentinelByte = 0xB2

	bitsSentinel    = 0  // 8 bits
	bitsBallotStyle = 8  // 4 bits
	bitsPrecinct    = 12 // 4 bits
	bitsPageNumber  = 16 // 5 bits
	bitTestMode     = 21 // 1 bit
	bitsHashByte    = 22 // 8 bits
	bitParity       = 30 // 1 bit
	bitEndMark      = 31 // 1 bit, always set
)

const blankInkThreshold = 0.004

// DefaultAdjudicationReasons make marginal marks and overvotes block a sheet
// until a human resolves them.
var DefaultAdjudicationReasons = []domain.AdjudicationReason{
	domain.ReasonMarginalMark,
	domain.ReasonOvervote,
}

// PageInterpreter interprets one ballot page at a time. It is stateful: a
// worker goroutine owns exactly one and configures it before use.
type PageInterpreter struct {
	cfg        WorkerConfig
	configured bool
}

func (p *PageInterpreter) Configure(cfg WorkerConfig) {
	if len(cfg.AdjudicationReasons) == 0 {
		cfg.AdjudicationReasons = DefaultAdjudicationReasons
	}
	p.cfg = cfg
	p.configured = true
}

func (p *PageInterpreter) Configured() bool { return p.configured }

// Detect recovers the page's metadata without scoring marks.
func (p *PageInterpreter) Detect(imagePath string) domain.Interpretation {
	img, err := loadGray(imagePath)
	if err != nil {
		return domain.UnreadablePage(fmt.Sprintf("decode image: %v", err))
	}
	md, interp := p.readMetadata(img)
	if interp != nil {
		return *interp
	}
	return domain.MetadataOnlyPage(*md)
}

// Interpret fully interprets the page: metadata, normalization and mark
// scoring against the registered layout.
func (p *PageInterpreter) Interpret(imagePath string) (domain.Interpretation, string) {
	img, err := loadGray(imagePath)
	if err != nil {
		return domain.UnreadablePage(fmt.Sprintf("decode image: %v", err)), ""
	}
	normalized := normalize(img)
	normalizedPath, err := writeNormalized(imagePath, normalized)
	if err != nil {
		return domain.UnreadablePage(fmt.Sprintf("write normalized image: %v", err)), ""
	}

	md, interp := p.readMetadata(normalized)
	if interp != nil {
		return *interp, normalizedPath
	}

	layout, ok := p.layoutFor(md.BallotStyleID, md.PageNumber)
	if !ok {
		// Ballot type recovered but no template to score marks against.
		return domain.MetadataOnlyPage(*md), normalizedPath
	}

	ballot := p.scoreMarks(normalized, *md, layout)
	return domain.InterpretedPage(ballot), normalizedPath
}

// readMetadata decodes the strip and applies the hash/precinct/test-mode
// gates. A non-nil interpretation short-circuits the caller.
func (p *PageInterpreter) readMetadata(img *image.Gray) (*domain.BallotMetadata, *domain.Interpretation) {
	bits, ok := readStrip(img)
	if !ok || byteAt(bits, bitsSentinel) != sentinelByte || !bits[bitEndMark] {
		if inkDensity(img) < blankInkThreshold {
			i := domain.BlankPage()
			return nil, &i
		}
		i := domain.UnreadablePage("no metadata strip detected")
		return nil, &i
	}
	if parityOf(bits) != bits[bitParity] {
		i := domain.UnreadablePage("metadata strip failed parity check")
		return nil, &i
	}

	styleIdx := intAt(bits, bitsBallotStyle, 4)
	precinctIdx := intAt(bits, bitsPrecinct, 4)
	pageNumber := intAt(bits, bitsPageNumber, 5)
	if styleIdx >= len(p.cfg.Election.BallotStyles) {
		i := domain.UnreadablePage(fmt.Sprintf("metadata references unknown ballot style index %d", styleIdx))
		return nil, &i
	}
	if precinctIdx >= len(p.cfg.Election.Precincts) {
		i := domain.UnreadablePage(fmt.Sprintf("metadata references unknown precinct index %d", precinctIdx))
		return nil, &i
	}
	md := domain.BallotMetadata{
		ElectionHash:  fmt.Sprintf("%02x", byteAt(bits, bitsHashByte)),
		BallotStyleID: p.cfg.Election.BallotStyles[styleIdx].ID,
		PrecinctID:    p.cfg.Election.Precincts[precinctIdx].ID,
		PageNumber:    pageNumber,
		IsTestMode:    bits[bitTestMode],
	}

	if !p.cfg.SkipHashCheck && byteAt(bits, bitsHashByte) != hashByte(p.cfg.Election.Hash) {
		i := domain.UnreadablePage("ballot was printed for a different election (hash mismatch)")
		return nil, &i
	}
	if md.IsTestMode != p.cfg.TestMode {
		var reason string
		if md.IsTestMode {
			reason = "test ballot scanned in live mode"
		} else {
			reason = "live ballot scanned in test mode"
		}
		i := domain.UnreadablePage(reason)
		return nil, &i
	}
	if p.cfg.PrecinctID != "" && md.PrecinctID != p.cfg.PrecinctID {
		i := domain.InvalidPrecinctPage(md.PrecinctID)
		return nil, &i
	}
	return &md, nil
}

func (p *PageInterpreter) layoutFor(ballotStyleID string, pageNumber int) (domain.PageLayout, bool) {
	for _, l := range p.cfg.Layouts {
		if l.BallotStyleID == ballotStyleID && l.PageNumber == pageNumber {
			return l, true
		}
	}
	return domain.PageLayout{}, false
}

// scoreMarks measures every option box's fill ratio and derives votes and
// adjudication requirements from the configured thresholds.
func (p *PageInterpreter) scoreMarks(img *image.Gray, md domain.BallotMetadata, layout domain.PageLayout) domain.InterpretedBallot {
	thresholds := p.cfg.Thresholds
	if thresholds.Definite <= 0 {
		thresholds = domain.DefaultMarkThresholds
	}

	votes := domain.Votes{}
	var marks []domain.MarkScore
	var details []domain.AdjudicationDetail
	marginalByContest := map[string][]string{}

	for _, box := range layout.Options {
		score := fillRatio(img, box)
		marks = append(marks, domain.MarkScore{ContestID: box.ContestID, OptionID: box.OptionID, Score: score})
		switch {
		case score >= thresholds.Definite:
			votes[box.ContestID] = append(votes[box.ContestID], box.OptionID)
		case score >= thresholds.Marginal:
			marginalByContest[box.ContestID] = append(marginalByContest[box.ContestID], box.OptionID)
		}
	}

	for _, contestID := range layout.ContestIDs {
		if options := marginalByContest[contestID]; len(options) > 0 {
			details = append(details, domain.AdjudicationDetail{
				Reason:    domain.ReasonMarginalMark,
				ContestID: contestID,
				OptionIDs: options,
			})
		}
		contest, ok := p.cfg.Election.Contest(contestID)
		if !ok {
			continue
		}
		found := len(votes[contestID])
		if found > contest.Seats {
			details = append(details, domain.AdjudicationDetail{
				Reason:    domain.ReasonOvervote,
				ContestID: contestID,
				Expected:  contest.Seats,
				Found:     found,
				OptionIDs: votes[contestID],
			})
		}
		if found < contest.Seats {
			details = append(details, domain.AdjudicationDetail{
				Reason:    domain.ReasonUndervote,
				ContestID: contestID,
				Expected:  contest.Seats,
				Found:     found,
			})
		}
	}

	required := false
	for _, d := range details {
		if reasonEnabled(p.cfg.AdjudicationReasons, d.Reason) {
			required = true
			break
		}
	}
	return domain.InterpretedBallot{
		Metadata: md,
		Votes:    votes,
		Marks:    marks,
		Adjudication: domain.AdjudicationInfo{
			Required:       required,
			EnabledReasons: p.cfg.AdjudicationReasons,
			Details:        details,
		},
	}
}

func reasonEnabled(enabled []domain.AdjudicationReason, r domain.AdjudicationReason) bool {
	for _, e := range enabled {
		if e == r {
			return true
		}
	}
	return false
}

// --- image helpers ---

func loadGray(path string) (*image.Gray, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	src, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	return toGray(src), nil
}

func toGray(src image.Image) *image.Gray {
	if g, ok := src.(*image.Gray); ok {
		return g
	}
	b := src.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(g, g.Bounds(), src, b.Min, draw.Src)
	return g
}

// normalize scales the page to the fixed interpretation width.
func normalize(src *image.Gray) *image.Gray {
	b := src.Bounds()
	if b.Dx() == normalizedWidth {
		return src
	}
	height := b.Dy() * normalizedWidth / b.Dx()
	dst := image.NewGray(image.Rect(0, 0, normalizedWidth, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

func writeNormalized(imagePath string, img *image.Gray) (string, error) {
	ext := filepath.Ext(imagePath)
	normalizedPath := strings.TrimSuffix(imagePath, ext) + "-normalized.png"
	f, err := os.Create(normalizedPath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		return "", err
	}
	return normalizedPath, nil
}

func isDark(img *image.Gray, x, y int) bool {
	return img.GrayAt(x, y).Y < 128
}

// readStrip samples the center of each metadata module along the bottom edge.
func readStrip(img *image.Gray) ([stripModules]bool, bool) {
	var bits [stripModules]bool
	b := img.Bounds()
	stripHeight := int(float64(b.Dy()) * stripHeightFrac)
	if stripHeight < 2 {
		return bits, false
	}
	y := b.Max.Y - stripHeight/2 - 1
	moduleWidth := float64(b.Dx()) / stripModules
	for i := 0; i < stripModules; i++ {
		x := b.Min.X + int((float64(i)+0.5)*moduleWidth)
		dark := 0
		total := 0
		for dx := -1; dx <= 1; dx++ {
			for dy := -1; dy <= 1; dy++ {
				total++
				if isDark(img, x+dx, y+dy) {
					dark++
				}
			}
		}
		bits[i] = dark*2 > total
	}
	return bits, true
}

func byteAt(bits [stripModules]bool, offset int) byte {
	return byte(intAt(bits, offset, 8))
}

func intAt(bits [stripModules]bool, offset, width int) int {
	v := 0
	for i := 0; i < width; i++ {
		v <<= 1
		if bits[offset+i] {
			v |= 1
		}
	}
	return v
}

func parityOf(bits [stripModules]bool) bool {
	ones := 0
	for i := bitsBallotStyle; i < bitParity; i++ {
		if bits[i] {
			ones++
		}
	}
	return ones%2 == 1
}

func hashByte(hash string) byte {
	if len(hash) < 2 {
		return 0
	}
	v, err := strconv.ParseUint(hash[:2], 16, 8)
	if err != nil {
		return 0
	}
	return byte(v)
}

// inkDensity is the fraction of dark pixels above the metadata strip.
func inkDensity(img *image.Gray) float64 {
	b := img.Bounds()
	stripHeight := int(float64(b.Dy()) * stripHeightFrac)
	limit := b.Max.Y - stripHeight
	dark := 0
	total := 0
	// Sample every fourth pixel in each direction; exact counts don't matter.
	for y := b.Min.Y; y < limit; y += 4 {
		for x := b.Min.X; x < b.Max.X; x += 4 {
			total++
			if isDark(img, x, y) {
				dark++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(dark) / float64(total)
}

// fillRatio is the fraction of dark pixels inside an option box.
func fillRatio(img *image.Gray, box domain.OptionBox) float64 {
	b := img.Bounds()
	x0 := b.Min.X + int(box.X*float64(b.Dx()))
	y0 := b.Min.Y + int(box.Y*float64(b.Dy()))
	x1 := x0 + int(box.Width*float64(b.Dx()))
	y1 := y0 + int(box.Height*float64(b.Dy()))
	dark := 0
	total := 0
	for y := y0; y < y1 && y < b.Max.Y; y++ {
		for x := x0; x < x1 && x < b.Max.X; x++ {
			total++
			if isDark(img, x, y) {
				dark++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(dark) / float64(total)
}

// DrawMetadataStrip renders the binary module row onto a page image. Ballot
// rendering uses it when printing; tests use it to synthesize fixtures.
func DrawMetadataStrip(img *image.Gray, md domain.BallotMetadata, election domain.ElectionDefinition) error {
	styleIdx := -1
	for i, bs := range election.BallotStyles {
		if bs.ID == md.BallotStyleID {
			styleIdx = i
			break
		}
	}
	if styleIdx < 0 {
		return fmt.Errorf("ballot style %s not in election", md.BallotStyleID)
	}
	precinctIdx := -1
	for i, pr := range election.Precincts {
		if pr.ID == md.PrecinctID {
			precinctIdx = i
			break
		}
	}
	if precinctIdx < 0 {
		return fmt.Errorf("precinct %s not in election", md.PrecinctID)
	}
	if md.PageNumber < 1 || md.PageNumber > 31 {
		return fmt.Errorf("page number %d out of range", md.PageNumber)
	}

	var bits [stripModules]bool
	setInt := func(offset, width, v int) {
		for i := 0; i < width; i++ {
			bits[offset+i] = v&(1<<(width-1-i)) != 0
		}
	}
	setInt(bitsSentinel, 8, int(sentinelByte))
	setInt(bitsBallotStyle, 4, styleIdx)
	setInt(bitsPrecinct, 4, precinctIdx)
	setInt(bitsPageNumber, 5, md.PageNumber)
	bits[bitTestMode] = md.IsTestMode
	setInt(bitsHashByte, 8, int(hashByte(election.Hash)))
	bits[bitParity] = parityOf(bits)
	bits[bitEndMark] = true

	b := img.Bounds()
	stripHeight := int(float64(b.Dy()) * stripHeightFrac)
	if stripHeight < 2 {
		return fmt.Errorf("image too small for metadata strip")
	}
	moduleWidth := float64(b.Dx()) / stripModules
	for i, bit := range bits {
		shade := color.Gray{Y: 255}
		if bit {
			shade = color.Gray{Y: 0}
		}
		x0 := b.Min.X + int(float64(i)*moduleWidth)
		x1 := b.Min.X + int(float64(i+1)*moduleWidth)
		for y := b.Max.Y - stripHeight; y < b.Max.Y; y++ {
			for x := x0; x < x1; x++ {
				img.SetGray(x, y, shade)
			}
		}
	}
	return nil
}
