package drug

// UnknownManufacturer is reported when no labeler code is available.
const UnknownManufacturer = "Unknown"

// manufacturersByLabeler maps NDC labeler codes to manufacturer names. Both
// the zero-padded and the stripped form of a code appear where the source
// data uses both; they are distinct keys.
var manufacturersByLabeler = buildManufacturerTable(map[string][]string{
	"Eli Lilly and Company":     {"00002", "00777"},
	"GlaxoSmithKline":           {"00007", "00029", "00173", "7"},
	"Pfizer":                    {"00008", "00009", "00025", "00069", "00071", "00409", "59762", "13", "25", "69"},
	"AstraZeneca":               {"00310", "00186", "186", "310"},
	"Pharmacia & Upjohn":        {"00013"},
	"Sanofi":                    {"00024", "00039", "00068", "00088", "00091", "00955", "24", "39", "68", "88", "91"},
	"Bayer":                     {"00026"},
	"AbbVie":                    {"00032", "00456", "32", "456", "51"},
	"Meda Pharmaceuticals":      {"00037", "37"},
	"Wyeth":                     {"00046", "46"},
	"Organon":                   {"00052", "52"},
	"Hikma Pharmaceuticals":     {"00054", "54"},
	"DuPont":                    {"00056", "56"},
	"Alcon":                     {"00065", "65"},
	"Novartis / Sandoz":         {"00067", "00078", "00216", "00781", "00185", "51079", "61314", "66758", "67", "78", "216", "781", "185", "1167"},
	"Abbott Laboratories":       {"00074", "74"},
	"Merck & Co.":               {"00085", "85"},
	"Teva Pharmaceuticals":      {"00093", "00172", "00555", "50111", "93", "172", "555"},
	"Novo Nordisk":              {"00169", "169"},
	"Bausch Health":             {"00187", "187"},
	"Actavis (Teva)":            {"00228", "00472", "00591", "52544", "228"},
	"Upsher-Smith":              {"00245", "00832", "245"},
	"Mylan (Viatris)":           {"00378", "378"},
	"Mallinckrodt":              {"00406", "11695", "406"},
	"Lannett Company":           {"00527", "527"},
	"Par Pharmaceutical":        {"00603", "603"},
	"Cosette Pharmaceuticals":   {"00713", "713"},
	"Major Pharmaceuticals":     {"00904", "904"},
	"ICU Medical":               {"00990", "990"},
	"Baxter":                    {"10019"},
	"NorthStar Rx":              {"16714"},
	"Camber Pharmaceuticals":    {"31722"},
	"AvKARE":                    {"42291"},
	"Dr. Reddy's Laboratories":  {"43598", "55111"},
	"Genentech (Roche)":         {"50242", "4"},
	"Janssen (J&J)":             {"50458", "57894"},
	"Taro Pharmaceuticals":      {"51672"},
	"Amgen":                     {"55513"},
	"Sun Pharmaceutical":        {"57664"},
	"Amneal Pharmaceuticals":    {"60219", "65162", "69238"},
	"McKesson":                  {"60300", "63739"},
	"Apotex Corp":               {"60505"},
	"Regeneron":                 {"61755"},
	"Krka":                      {"62175"},
	"Alembic Pharmaceuticals":   {"62332", "68001"},
	"Fresenius Kabi":            {"63323"},
	"Zydus Pharmaceuticals":     {"64380", "68382"},
	"Aurobindo Pharma":          {"65862"},
	"Glenmark Pharmaceuticals":  {"68462"},
	"Oceanside Pharmaceuticals": {"68682"},
	"Cipla USA":                 {"69097"},
	"Coherus BioSciences":       {"70114"},
	"RemedyRepack":              {"70518"},
	"Alnylam":                   {"71336"},
	"Exelan Pharmaceuticals":    {"76282"},
})

func buildManufacturerTable(byName map[string][]string) map[string]string {
	table := make(map[string]string)
	for name, codes := range byName {
		for _, code := range codes {
			table[code] = name
		}
	}
	return table
}

// ManufacturerFor resolves a labeler code to a manufacturer name. It never
// fails: an empty code yields "Unknown" and an unmapped code yields
// "Labeler {code}".
func ManufacturerFor(labeler string) string {
	if labeler == "" {
		return UnknownManufacturer
	}
	if name, ok := manufacturersByLabeler[labeler]; ok {
		return name
	}
	return "Labeler " + labeler
}
