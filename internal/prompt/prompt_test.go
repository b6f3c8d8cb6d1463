package prompt

import (
	"strings"
	"testing"
)

func TestGeneration(t *testing.T) {
	t.Parallel()
	got := Generation(MCQ{
		Title:        "Asthma > Diagnosis",
		Content:      "FEV1 @@CMP_GE_0001@@ 12%",
		Specialty:    "Nội khoa",
		Mode:         "clinical",
		Weights:      Weights{Easy: 10, Medium: 40, Hard: 35, VeryHard: 15},
		Instructions: "  focus on spirometry ",
	})
	for _, want := range []string{
		TokenRule,
		"Nội khoa",
		"clinical mode",
		`"Asthma > Diagnosis"`,
		"easy 10%, medium 40%, hard 35%, very hard 15%",
		"Use only the section text",
		"## Extra instructions\nfocus on spirometry\n",
		"FEV1 @@CMP_GE_0001@@ 12%",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("Generation prompt missing %q", want)
		}
	}
	if strings.Contains(got, "PRIMARY_SECTION") {
		t.Error("plain section should not mention PRIMARY_SECTION")
	}

	got = Generation(MCQ{Content: "## PRIMARY_SECTION (MUST FOCUS)\nx", ExternalSources: true})
	if !strings.Contains(got, "External reference") || !strings.Contains(got, "related context") {
		t.Errorf("cross-context prompt = %q", got)
	}
}

func TestCleaningFailsafe(t *testing.T) {
	t.Parallel()
	if got := Cleaning("text", false, nil); strings.Contains(got, "FAILSAFE") {
		t.Error("first attempt must not carry the failsafe preamble")
	}
	got := Cleaning("text", true, []string{"@@CMP_GT_0001@@", "@@CMP_LT_0002@@"})
	if !strings.HasPrefix(got, "## FAILSAFE") || !strings.Contains(got, "missing last time: @@CMP_GT_0001@@, @@CMP_LT_0002@@.") {
		t.Errorf("Cleaning failsafe = %q", got)
	}
	if got := Cleaning("text", true, nil); strings.Contains(got, "missing last time") {
		t.Errorf("Cleaning failsafe without samples = %q", got)
	}
}

func TestEssayGrader(t *testing.T) {
	t.Parallel()
	for _, mode := range EssayModes() {
		got := EssayGrader(Essay{
			Mode:     mode,
			Document: "doc",
			Section:  "Treatment",
			Answer:   "answer",
			History:  []Turn{{Role: "user", Content: "first"}, {Role: "model", Content: "reply"}},
		})
		if !strings.Contains(got, "## Mode: "+mode+"\n"+essayTasks[mode]) {
			t.Errorf("%s: task missing from prompt", mode)
		}
		if !strings.Contains(got, "Student:\nfirst") || !strings.Contains(got, "Professor:\nreply") {
			t.Errorf("%s: history not rendered", mode)
		}
	}
}
