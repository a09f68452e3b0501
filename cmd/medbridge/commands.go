package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/medbridge/internal/api"
	"github.com/kalambet/medbridge/internal/config"
	"github.com/kalambet/medbridge/internal/events"
	"github.com/kalambet/medbridge/internal/ingest"
	"github.com/kalambet/medbridge/internal/pipeline"
	"github.com/kalambet/medbridge/internal/retrieval"
	"github.com/kalambet/medbridge/internal/storage"
	"github.com/spf13/cobra"
)

// --- submit ---

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a message for translation",
	Long: `Submit a message for translation.

Examples:
  medbridge submit --conversation c1 --role patient --text "Me duele el pecho"
  medbridge submit --conversation c1 --role clinician --audio ./question.wav`,
	RunE: func(cmd *cobra.Command, args []string) error {
		conversation, _ := cmd.Flags().GetString("conversation")
		role, _ := cmd.Flags().GetString("role")
		text, _ := cmd.Flags().GetString("text")
		audio, _ := cmd.Flags().GetString("audio")
		format, _ := cmd.Flags().GetString("format")

		if conversation == "" {
			return fmt.Errorf("--conversation is required")
		}
		if text == "" && audio == "" {
			return fmt.Errorf("one of --text or --audio is required")
		}

		req := pipeline.SubmitRequest{
			ConversationID: conversation,
			SenderRole:     role,
			Text:           text,
		}
		if audio != "" {
			data, err := os.ReadFile(audio)
			if err != nil {
				return fmt.Errorf("reading audio: %w", err)
			}
			req.Audio = data
			req.AudioFormat = format
			if req.AudioFormat == "" {
				req.AudioFormat = strings.TrimPrefix(filepath.Ext(audio), ".")
			}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		receipt, err := submitMessage(cmd.Context(), client, req)
		if err != nil {
			return err
		}
		printSuccess("Queued message %s (stage %s, job %s)", receipt.MessageID, receipt.Stage, receipt.JobID)
		return nil
	},
}

func init() {
	submitCmd.Flags().String("conversation", "", "conversation id")
	submitCmd.Flags().String("role", "patient", "sender role (patient or clinician)")
	submitCmd.Flags().String("text", "", "message text")
	submitCmd.Flags().String("audio", "", "audio file to transcribe")
	submitCmd.Flags().String("format", "", "audio format (default: file extension)")
}

func submitMessage(ctx context.Context, client *apiClient, req pipeline.SubmitRequest) (pipeline.Receipt, error) {
	resp, err := client.post(ctx, "/messages", req)
	if err != nil {
		return pipeline.Receipt{}, err
	}
	var receipt pipeline.Receipt
	if err := decodeJSON(resp, &receipt); err != nil {
		return pipeline.Receipt{}, err
	}
	return receipt, nil
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status <message-id>",
	Short: "Show the processing status of a message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		st, err := messageStatus(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		printMessageStatus(st)
		return nil
	},
}

func messageStatus(ctx context.Context, client *apiClient, id string) (pipeline.Status, error) {
	resp, err := client.get(ctx, "/messages/"+url.PathEscape(id))
	if err != nil {
		return pipeline.Status{}, err
	}
	var st pipeline.Status
	if err := decodeJSON(resp, &st); err != nil {
		return pipeline.Status{}, err
	}
	return st, nil
}

func printMessageStatus(st pipeline.Status) {
	printStatus("Message", "%s", st.MessageID)
	printStatus("Conversation", "%s", st.ConversationID)
	printStatus("Stage", "%s (%s)", st.Stage, st.Status)
	printStatus("Languages", "%s -> %s", st.SourceLanguage, st.TargetLanguage)
	if st.Transcript != "" {
		printStatus("Transcript", "%s", st.Transcript)
	} else if st.Text != "" {
		printStatus("Text", "%s", st.Text)
	}
	if st.TranslatedText != "" {
		label := "Translation"
		if st.Untranslated {
			label = "Untranslated"
		}
		printStatus(label, "%s", st.TranslatedText)
	}
	if st.SpeechRef != "" {
		printStatus("Speech", "%s", st.SpeechRef)
	}
	if st.SynthesisFailed {
		printWarning("speech synthesis failed, text is available")
	}
	if st.Error != "" {
		printError("%s", st.Error)
	}
}

// --- resynthesize ---

var resynthesizeCmd = &cobra.Command{
	Use:   "resynthesize <message-id>",
	Short: "Retry speech synthesis for a partially delivered message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/messages/"+url.PathEscape(args[0])+"/resynthesize", nil)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Queued synthesis for %s (job %s)", args[0], result["job_id"])
		return nil
	},
}

// --- retrieve ---

var retrieveCmd = &cobra.Command{
	Use:   "retrieve [query]",
	Short: "Retrieve reference context for a conversation",
	RunE: func(cmd *cobra.Command, args []string) error {
		query, err := queryArg(cmd, args)
		if err != nil {
			return err
		}
		conversation, _ := cmd.Flags().GetString("conversation")
		topK, _ := cmd.Flags().GetInt("top-k")
		defaults, _ := cmd.Flags().GetBool("defaults")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		rc, err := retrieveContext(cmd.Context(), client, api.RetrieveRequest{
			ConversationID:  conversation,
			Query:           query,
			TopK:            topK,
			IncludeDefaults: defaults,
		})
		if err != nil {
			return err
		}

		if rc.Degraded {
			printWarning("retrieval degraded, results may be incomplete")
		}
		if len(rc.Skipped) > 0 {
			printWarning("skipped incompatible collections: %s", strings.Join(rc.Skipped, ", "))
		}
		if len(rc.Chunks) == 0 {
			fmt.Println("No results found.")
			return nil
		}
		fmt.Println(renderTable(
			[]string{"#", "Score", "Collection", "Text"},
			retrievalRows(rc.Chunks, 80),
			[]columnAlignment{alignRight, alignRight, alignLeft, alignLeft},
		))
		return nil
	},
}

func init() {
	retrieveCmd.Flags().String("conversation", "", "conversation whose collections to search")
	retrieveCmd.Flags().String("query", "", "query text (or pass it as arguments)")
	retrieveCmd.Flags().Int("top-k", 5, "maximum number of results")
	retrieveCmd.Flags().Bool("defaults", false, "include default global collections")
}

// queryArg reads the query from --query, falling back to the arguments.
func queryArg(cmd *cobra.Command, args []string) (string, error) {
	query, _ := cmd.Flags().GetString("query")
	if query == "" {
		query = strings.Join(args, " ")
	}
	if strings.TrimSpace(query) == "" {
		return "", fmt.Errorf("a query is required (--query or arguments)")
	}
	return query, nil
}

func retrieveContext(ctx context.Context, client *apiClient, req api.RetrieveRequest) (retrieval.RankedContext, error) {
	resp, err := client.post(ctx, "/retrieve", req)
	if err != nil {
		return retrieval.RankedContext{}, err
	}
	var rc retrieval.RankedContext
	if err := decodeJSON(resp, &rc); err != nil {
		return retrieval.RankedContext{}, err
	}
	return rc, nil
}

func retrievalRows(chunks []retrieval.ScoredChunk, width int) [][]string {
	rows := make([][]string, 0, len(chunks))
	for i, c := range chunks {
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			fmt.Sprintf("%.3f", c.Score),
			c.CollectionName,
			truncate(c.Text, width),
		})
	}
	return rows
}

// truncate shortens s to at most n runes on a single line.
func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// --- assist ---

var assistCmd = &cobra.Command{
	Use:   "assist [query]",
	Short: "Ask for clinician assistance within a conversation",
	Long: `Ask for clinician assistance within a conversation.

Kinds: general, cultural, medical, followup.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		conversation, _ := cmd.Flags().GetString("conversation")
		kind, _ := cmd.Flags().GetString("kind")
		wait, _ := cmd.Flags().GetDuration("wait")

		if conversation == "" {
			return fmt.Errorf("--conversation is required")
		}
		query, err := queryArg(cmd, args)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/assistance", api.AssistanceRequest{
			ConversationID: conversation,
			Kind:           kind,
			Query:          query,
		})
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		id := result["id"]
		if wait <= 0 {
			printSuccess("Queued assistance %s", id)
			return nil
		}

		a, err := waitForAssistance(cmd.Context(), client, id, wait, time.Second)
		if err != nil {
			return err
		}
		switch a.Status {
		case "completed":
			fmt.Println(a.Answer)
			if len(a.Sources) > 0 {
				fmt.Printf("\n%s %s\n", colorize(colorDim, "Sources:"), strings.Join(a.Sources, ", "))
			}
		case "failed":
			return fmt.Errorf("assistance %s failed: %s", id, a.Error)
		default:
			printWarning("assistance %s still %s, check later with the same id", id, a.Status)
		}
		return nil
	},
}

func init() {
	assistCmd.Flags().String("conversation", "", "conversation id")
	assistCmd.Flags().String("kind", "general", "assistance kind")
	assistCmd.Flags().String("query", "", "question for the assistant (or pass it as arguments)")
	assistCmd.Flags().Duration("wait", 0, "wait up to this long for the answer")
}

// waitForAssistance polls until the request leaves the pending state or
// the timeout passes. The last seen state is returned on timeout.
func waitForAssistance(ctx context.Context, client *apiClient, id string, timeout, interval time.Duration) (pipeline.Assistance, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last pipeline.Assistance
	for {
		resp, err := client.get(ctx, "/assistance/"+url.PathEscape(id))
		if err != nil {
			if ctx.Err() != nil {
				return last, nil
			}
			return last, err
		}
		if err := decodeJSON(resp, &last); err != nil {
			return last, err
		}
		if last.Status != "pending" {
			return last, nil
		}
		select {
		case <-ctx.Done():
			return last, nil
		case <-ticker.C:
		}
	}
}

// --- conversations ---

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "Create and inspect conversations",
}

var conversationsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Start a conversation between a patient and a clinician",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		patient, _ := cmd.Flags().GetString("patient")
		clinician, _ := cmd.Flags().GetString("clinician")
		synthesis, _ := cmd.Flags().GetBool("synthesis")
		voice, _ := cmd.Flags().GetString("voice")

		if patient == "" || clinician == "" {
			return fmt.Errorf("--patient and --clinician are required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/conversations", api.ConversationRequest{
			ID:                id,
			PatientLanguage:   patient,
			ClinicianLanguage: clinician,
			SynthesisEnabled:  synthesis,
			Voice:             voice,
		})
		if err != nil {
			return err
		}
		var conv struct {
			ID string `json:"id"`
		}
		if err := decodeJSON(resp, &conv); err != nil {
			return err
		}
		printSuccess("Created conversation %s", conv.ID)
		return nil
	},
}

var conversationsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a conversation and its latest messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("messages")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/conversations/%s?messages=%d", url.PathEscape(args[0]), limit))
		if err != nil {
			return err
		}
		var conv struct {
			ID                string `json:"id"`
			PatientLanguage   string `json:"patient_language"`
			ClinicianLanguage string `json:"clinician_language"`
			SynthesisEnabled  bool   `json:"synthesis_enabled"`
			Messages          []struct {
				ID             string    `json:"id"`
				SenderRole     string    `json:"sender_role"`
				Stage          string    `json:"stage"`
				Status         string    `json:"status"`
				Text           string    `json:"text"`
				TranslatedText string    `json:"translated_text"`
				CreatedAt      time.Time `json:"created_at"`
			} `json:"messages"`
		}
		if err := decodeJSON(resp, &conv); err != nil {
			return err
		}

		printStatus("Conversation", "%s", conv.ID)
		printStatus("Languages", "patient %s, clinician %s", conv.PatientLanguage, conv.ClinicianLanguage)
		printStatus("Synthesis", "%t", conv.SynthesisEnabled)
		for _, m := range conv.Messages {
			fmt.Printf("\n%s %s %s\n", colorize(colorBold, m.SenderRole),
				colorize(colorDim, m.CreatedAt.Local().Format("15:04:05")),
				colorize(colorDim, m.Stage+"/"+m.Status))
			fmt.Printf("  %s\n", m.Text)
			if m.TranslatedText != "" {
				fmt.Printf("  %s %s\n", colorize(colorCyan, "->"), m.TranslatedText)
			}
		}
		return nil
	},
}

func init() {
	conversationsCreateCmd.Flags().String("id", "", "conversation id (default: generated)")
	conversationsCreateCmd.Flags().String("patient", "", "patient language code")
	conversationsCreateCmd.Flags().String("clinician", "", "clinician language code")
	conversationsCreateCmd.Flags().Bool("synthesis", false, "synthesize translated speech")
	conversationsCreateCmd.Flags().String("voice", "", "synthesis voice")
	conversationsShowCmd.Flags().Int("messages", 20, "number of recent messages to show")
	conversationsCmd.AddCommand(conversationsCreateCmd)
	conversationsCmd.AddCommand(conversationsShowCmd)
}

// --- collections ---

var collectionsCmd = &cobra.Command{
	Use:   "collections",
	Short: "Manage reference collections",
}

type collectionRow struct {
	retrieval.Collection
	Chunks int      `json:"chunks"`
	Links  []string `json:"links"`
}

var collectionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List collections",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		cols, err := listCollections(cmd.Context(), client)
		if err != nil {
			return err
		}
		if len(cols) == 0 {
			fmt.Println("No collections.")
			return nil
		}
		fmt.Println(renderTable(
			[]string{"ID", "Name", "Kind", "Default", "Chunks", "Model", "Links"},
			collectionRows(cols),
			[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignRight},
		))
		return nil
	},
}

func listCollections(ctx context.Context, client *apiClient) ([]collectionRow, error) {
	resp, err := client.get(ctx, "/collections")
	if err != nil {
		return nil, err
	}
	var cols []collectionRow
	if err := decodeJSON(resp, &cols); err != nil {
		return nil, err
	}
	return cols, nil
}

func collectionRows(cols []collectionRow) [][]string {
	rows := make([][]string, 0, len(cols))
	for _, c := range cols {
		def := ""
		if c.IsDefault {
			def = "yes"
		}
		links := ""
		if c.Kind == retrieval.KindScoped {
			links = strconv.Itoa(len(c.Links))
		}
		rows = append(rows, []string{
			c.ID,
			c.Name,
			c.Kind,
			def,
			strconv.Itoa(c.Chunks),
			fmt.Sprintf("%s/%s", c.Embedding.Provider, c.Embedding.Model),
			links,
		})
	}
	return rows
}

var collectionsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a global collection, or the scoped collection of a conversation",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		conversation, _ := cmd.Flags().GetString("conversation")
		isDefault, _ := cmd.Flags().GetBool("default")
		description, _ := cmd.Flags().GetString("description")

		req := api.CollectionRequest{
			Name:        name,
			Kind:        retrieval.KindGlobal,
			IsDefault:   isDefault,
			Description: description,
		}
		if conversation != "" {
			req.Kind = retrieval.KindScoped
			req.ConversationID = conversation
		} else if name == "" {
			return fmt.Errorf("one of --name or --conversation is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/collections", req)
		if err != nil {
			return err
		}
		var c retrieval.Collection
		if err := decodeJSON(resp, &c); err != nil {
			return err
		}
		printSuccess("Collection %s (%s, %s)", c.ID, c.Name, c.Kind)
		return nil
	},
}

var collectionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a collection and its chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/collections/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Deleted collection %s", args[0])
		return nil
	},
}

var collectionsLinkCmd = &cobra.Command{
	Use:   "link <scoped-id> <global-id>",
	Short: "Link a global collection into a conversation's scoped collection",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		remove, _ := cmd.Flags().GetBool("remove")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := linkCollections(cmd.Context(), client, args[0], args[1], remove); err != nil {
			return err
		}
		if remove {
			printSuccess("Unlinked %s from %s", args[1], args[0])
		} else {
			printSuccess("Linked %s into %s", args[1], args[0])
		}
		return nil
	},
}

func linkCollections(ctx context.Context, client *apiClient, scopedID, globalID string, remove bool) error {
	path := "/collections/" + url.PathEscape(scopedID) + "/links"
	var resp *http.Response
	var err error
	if remove {
		resp, err = client.delete(ctx, path+"/"+url.PathEscape(globalID))
	} else {
		resp, err = client.post(ctx, path, api.LinkRequest{GlobalID: globalID})
	}
	if err != nil {
		return err
	}
	var result map[string]any
	return decodeJSON(resp, &result)
}

var collectionsAddCmd = &cobra.Command{
	Use:   "add <collection-id> <file>",
	Short: "Add a document (text, markdown, HTML or PDF) to a collection",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")

		data, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}
		if title == "" {
			title = filepath.Base(args[1])
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/collections/"+url.PathEscape(args[0])+"/documents", api.DocumentRequest{
			Title:       title,
			ContentType: contentTypeFor(args[1]),
			Data:        data,
		})
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Queued document %q (job %s)", title, result["job_id"])
		return nil
	},
}

var collectionsReindexCmd = &cobra.Command{
	Use:   "reindex <collection-id>",
	Short: "Re-embed a collection with the configured embedding model",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		jobID, err := reindexCollection(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		printSuccess("Queued reindex of %s (job %s)", args[0], jobID)
		return nil
	},
}

func reindexCollection(ctx context.Context, client *apiClient, id string) (string, error) {
	resp, err := client.post(ctx, "/collections/"+url.PathEscape(id)+"/reindex", nil)
	if err != nil {
		return "", err
	}
	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		return "", err
	}
	return result["job_id"], nil
}

// contentTypeFor guesses a document's content type from its extension.
func contentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return ingest.ContentPDF
	case ".html", ".htm":
		return ingest.ContentHTML
	case ".md", ".markdown":
		return "text/markdown"
	default:
		return ingest.ContentText
	}
}

func init() {
	collectionsCreateCmd.Flags().String("name", "", "collection name")
	collectionsCreateCmd.Flags().String("conversation", "", "create the scoped collection of this conversation")
	collectionsCreateCmd.Flags().Bool("default", false, "consult for clinician assistance by default")
	collectionsCreateCmd.Flags().String("description", "", "collection description")
	collectionsLinkCmd.Flags().Bool("remove", false, "remove the link instead")
	collectionsAddCmd.Flags().String("title", "", "document title (default: file name)")

	collectionsCmd.AddCommand(collectionsListCmd)
	collectionsCmd.AddCommand(collectionsCreateCmd)
	collectionsCmd.AddCommand(collectionsDeleteCmd)
	collectionsCmd.AddCommand(collectionsLinkCmd)
	collectionsCmd.AddCommand(collectionsAddCmd)
	collectionsCmd.AddCommand(collectionsReindexCmd)
}

// --- import ---

var importCmd = &cobra.Command{
	Use:   "import [source]...",
	Short: "Import JSON datasets into a collection",
	Long: `Import JSON datasets into a collection.

A source is a path or URL readable by the server. Several sources are
queued as one batch.

Examples:
  medbridge import --collection 6f1c... --file ./datasets/symptoms.jsonl
  medbridge import --collection 6f1c... a.jsonl b.jsonl
  medbridge import status 6f1c...`,
	RunE: func(cmd *cobra.Command, args []string) error {
		collection, _ := cmd.Flags().GetString("collection")
		files, _ := cmd.Flags().GetStringSlice("file")
		if collection == "" {
			return fmt.Errorf("--collection is required")
		}
		sources := append(files, args...)
		if len(sources) == 0 {
			return fmt.Errorf("at least one source is required (--file or arguments)")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ids, err := queueImports(cmd.Context(), client, collection, sources)
		if err != nil {
			return err
		}
		printSuccess("Queued %d import(s): %s", len(ids), strings.Join(ids, ", "))
		return nil
	},
}

func queueImports(ctx context.Context, client *apiClient, collectionID string, sources []string) ([]string, error) {
	specs := make([]ingest.ImportSpec, 0, len(sources))
	for _, s := range sources {
		specs = append(specs, ingest.ImportSpec{CollectionID: collectionID, Source: s})
	}

	path, body := "/imports", any(specs[0])
	if len(specs) > 1 {
		path, body = "/imports/batch", api.ImportBatchRequest{Imports: specs}
	}
	resp, err := client.post(ctx, path, body)
	if err != nil {
		return nil, err
	}
	var result struct {
		JobIDs []string `json:"job_ids"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return nil, err
	}
	return result.JobIDs, nil
}

var importStatusCmd = &cobra.Command{
	Use:   "status <collection-id>",
	Short: "Show the latest import progress of a collection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/imports/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var p events.ImportProgress
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}
		printStatus("State", "%s", p.State)
		if p.Source != "" {
			printStatus("Source", "%s", p.Source)
		}
		printStatus("Chunks", "%d created, %d skipped, %d errors", p.Created, p.Skipped, p.Errors)
		if p.Error != "" {
			printError("%s", p.Error)
		}
		printStatus("Updated", "%s", p.UpdatedAt.Local().Format(time.DateTime))
		return nil
	},
}

func init() {
	importCmd.Flags().String("collection", "", "target collection id")
	importCmd.Flags().StringSlice("file", nil, "dataset path or URL, repeatable")
	importCmd.AddCommand(importStatusCmd)
}

// --- queues ---

var queuesCmd = &cobra.Command{
	Use:   "queues",
	Short: "Show job counts per queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/queues")
		if err != nil {
			return err
		}
		var stats []storage.QueueStats
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}
		if len(stats) == 0 {
			fmt.Println("No jobs recorded.")
			return nil
		}
		fmt.Println(renderTable(
			[]string{"Queue", "Pending", "Leased", "Completed", "Failed"},
			queueRows(stats),
			[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight},
		))
		return nil
	},
}

func queueRows(stats []storage.QueueStats) [][]string {
	rows := make([][]string, 0, len(stats))
	for _, s := range stats {
		failed := strconv.Itoa(s.Failed)
		if s.Failed > 0 {
			failed = colorize(colorRed, failed)
		}
		rows = append(rows, []string{
			s.Queue,
			strconv.Itoa(s.Pending),
			strconv.Itoa(s.Leased),
			strconv.Itoa(s.Completed),
			failed,
		})
	}
	return rows
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorDim, "("+k.EnvVar+")"))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
