package metrofor

import (
	"metrobot-backend/lib/htmlutil"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// everything in this file takes the raw page and never fails loudly, a missing element is
// reported through the returned bool (or an empty slice) and left to the client to judge.

const (
	phraseOriginTime      = "Próximo horário estimado na estação origem"
	phraseDestinationTime = "Horário estimado de chegada na estação destino"
	phraseTripDuration    = "O tempo estimado da viagem"
	phraseStopCount       = "Paradas entre origem e destino"
	phraseNextSchedules   = "Próximos horários"
)

var (
	titleRegex    = regexp.MustCompile(`entre:\s*(.+?)\s+e\s+(.+?)$`)
	clockRegex    = regexp.MustCompile(`(\d{2}:\d{2})h`)
	durationRegex = regexp.MustCompile(`(\d+\s+minutos?)`)
	countRegex    = regexp.MustCompile(`:\s*(\d+)`)
)

func parseDocument(html string) (*goquery.Document, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, false
	}
	return doc, true
}

// ParseCsrfToken returns the value of the csrfmiddlewaretoken input. ok is false when the
// input does not exist or has no value attribute.
func ParseCsrfToken(html string) (token string, ok bool) {
	doc, ok := parseDocument(html)
	if !ok {
		return "", false
	}
	return doc.Find("input[name=csrfmiddlewaretoken]").First().Attr("value")
}

// ParseStations returns the options of the origin station select in document order. The
// placeholder option (value "0") and options without an id or a label are skipped, as are
// repeated ids. The result is empty, never nil, when the select is missing.
func ParseStations(html string) []Station {
	stations := []Station{}

	doc, ok := parseDocument(html)
	if !ok {
		return stations
	}

	seen := map[string]bool{}
	doc.Find("select[name=estacao_origem] option").Each(func(_ int, option *goquery.Selection) {
		id, exists := option.Attr("value")
		id = strings.TrimSpace(id)
		if !exists || id == "" || id == "0" || seen[id] {
			return
		}
		name := htmlutil.CleanText(option.Text())
		if name == "" {
			return
		}
		seen[id] = true
		stations = append(stations, Station{ID: id, Name: name})
	})

	return stations
}

// paragraphText is the text of every <p> in info mentioning phrase. Matches are joined with a
// space, so two paragraphs repeating the phrase read as separate sentences instead of running
// together.
func paragraphText(info *goquery.Selection, phrase string) string {
	var texts []string
	info.Find("p").Each(func(_ int, p *goquery.Selection) {
		text := htmlutil.CleanText(p.Text())
		if strings.Contains(text, phrase) {
			texts = append(texts, text)
		}
	})
	return strings.Join(texts, " ")
}

func firstGroup(re *regexp.Regexp, text string) string {
	groups := re.FindStringSubmatch(text)
	if len(groups) < 2 {
		return ""
	}
	return strings.TrimSpace(groups[1])
}

// ParseSchedule reads the trip information box the site renders after a schedule query.
//
// ok is false when the box is missing (the usual answer for an invalid origin/destination
// pair) or when either the departure or the arrival estimate could not be read, the rest of
// the fields are best-effort.
func ParseSchedule(html string) (info ScheduleInfo, ok bool) {
	defer func() {
		if recover() != nil {
			info = ScheduleInfo{}
			ok = false
		}
	}()

	doc, ok := parseDocument(html)
	if !ok {
		return ScheduleInfo{}, false
	}

	box := doc.Find(".alert-info")
	if box.Length() == 0 {
		return ScheduleInfo{}, false
	}

	title := htmlutil.CleanText(box.Find("h6").Text())
	if groups := titleRegex.FindStringSubmatch(title); len(groups) == 3 {
		info.Origin = strings.TrimSpace(groups[1])
		info.Destination = strings.TrimSpace(groups[2])
	}

	info.OriginEstimatedTime = firstGroup(clockRegex, paragraphText(box, phraseOriginTime))
	info.DestinationArrivalTime = firstGroup(clockRegex, paragraphText(box, phraseDestinationTime))
	info.EstimatedTripDuration = firstGroup(durationRegex, paragraphText(box, phraseTripDuration))

	count, err := strconv.Atoi(firstGroup(countRegex, paragraphText(box, phraseStopCount)))
	if err == nil {
		info.NumberOfStations = count
	}

	next := clockRegex.FindAllStringSubmatch(paragraphText(box, phraseNextSchedules), 2)
	if len(next) > 0 {
		info.NextSchedule1 = next[0][1]
	}
	if len(next) > 1 {
		info.NextSchedule2 = next[1][1]
	}

	if info.OriginEstimatedTime == "" || info.DestinationArrivalTime == "" {
		return ScheduleInfo{}, false
	}
	return info, true
}
