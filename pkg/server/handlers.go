package server

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/duynguyendang/toolbridge/pkg/common/errors"
	"github.com/duynguyendang/toolbridge/pkg/reader"
	"github.com/duynguyendang/toolbridge/pkg/sandbox"
	"github.com/gin-gonic/gin"
)

// handleCrawl returns the content of a page followed by the pages it links to.
func (s *Server) handleCrawl(c *gin.Context) {
	if s.services.Crawler == nil {
		handleError(c, unavailable("crawl"))
		return
	}
	var req struct {
		URL   string `json:"url" binding:"required"`
		Limit *int   `json:"limit"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		handleError(c, errors.NewAppError(http.StatusBadRequest, "Invalid request body", err))
		return
	}
	limit, err := s.services.Crawler.Limit(req.Limit)
	if err != nil {
		handleError(c, err)
		return
	}

	contents, err := s.services.Crawler.Crawl(c.Request.Context(), req.URL, limit)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, contents)
}

// handleMap returns the links found on a page.
func (s *Server) handleMap(c *gin.Context) {
	if s.services.Crawler == nil {
		handleError(c, unavailable("crawl"))
		return
	}
	var req struct {
		URL string `json:"url" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		handleError(c, errors.NewAppError(http.StatusBadRequest, "Invalid request body", err))
		return
	}

	links, err := s.services.Crawler.MapLinks(c.Request.Context(), req.URL)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, links)
}

type structRequest struct {
	Schema string          `json:"schema" binding:"required"`
	Data   json.RawMessage `json:"data" binding:"required"`
}

// handleStructStr extracts one record from a single text.
func (s *Server) handleStructStr(c *gin.Context) {
	if s.services.Extractor == nil {
		handleError(c, unavailable("extraction"))
		return
	}
	var req structRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handleError(c, errors.NewAppError(http.StatusBadRequest, "Invalid request body", err))
		return
	}
	var text string
	if err := json.Unmarshal(req.Data, &text); err != nil {
		handleError(c, errors.NewAppError(http.StatusBadRequest, "data must be a string", err))
		return
	}

	record, err := s.services.Extractor.ExtractOne(c.Request.Context(), req.Schema, text)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

// handleStructArray extracts one record per text and merges them column-wise.
// A single string is treated as a list of one.
func (s *Server) handleStructArray(c *gin.Context) {
	if s.services.Extractor == nil {
		handleError(c, unavailable("extraction"))
		return
	}
	var req structRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handleError(c, errors.NewAppError(http.StatusBadRequest, "Invalid request body", err))
		return
	}
	texts, err := stringList(req.Data)
	if err != nil {
		handleError(c, errors.NewAppError(http.StatusBadRequest, "data must be a list of strings", err))
		return
	}

	columns, err := s.services.Extractor.ExtractMany(c.Request.Context(), req.Schema, texts)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, columns)
}

func stringList(raw json.RawMessage) ([]string, error) {
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		if list == nil {
			return nil, fmt.Errorf("data is null")
		}
		return list, nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, err
	}
	return []string{one}, nil
}

// handleRead extracts the text of an uploaded document.
func (s *Server) handleRead(c *gin.Context) {
	if !s.limitBody(c) {
		return
	}
	fh, err := c.FormFile("file")
	if err != nil {
		handleError(c, s.formError(err))
		return
	}

	r, format, err := reader.ForFilename(fh.Filename)
	if err != nil {
		handleError(c, err)
		return
	}
	data, err := s.readUpload(fh)
	if err != nil {
		handleError(c, err)
		return
	}

	content, err := r.ReadText(data)
	if err != nil {
		handleError(c, err)
		return
	}
	s.logger.Debug("document read", "filename", fh.Filename, "format", format, "bytes", len(data))
	c.JSON(http.StatusOK, gin.H{"filename": fh.Filename, "content": content})
}

// limitBody caps the request body at the upload limit plus room for the
// multipart envelope.
func (s *Server) limitBody(c *gin.Context) bool {
	limit := s.maxUpload + 1<<20
	if c.Request.ContentLength > limit {
		handleError(c, s.tooLarge())
		return false
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	return true
}

func (s *Server) formError(err error) error {
	var tooLarge *http.MaxBytesError
	if stderrors.As(err, &tooLarge) {
		return s.tooLarge()
	}
	return errors.NewAppError(http.StatusBadRequest, "Missing file upload", err)
}

func (s *Server) tooLarge() error {
	return errors.NewAppError(http.StatusRequestEntityTooLarge,
		fmt.Sprintf("File exceeds %d MB", s.maxUpload>>20), nil)
}

func (s *Server) readUpload(fh *multipart.FileHeader) ([]byte, error) {
	if fh.Size > s.maxUpload {
		return nil, s.tooLarge()
	}
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

// handleCode runs a notebook cell. A cell that raised returns its error object
// with status 200; callers must check which shape they got.
func (s *Server) handleCode(c *gin.Context) {
	if s.services.Sandbox == nil {
		handleError(c, unavailable("sandbox"))
		return
	}
	var req struct {
		Code string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		handleError(c, errors.NewAppError(http.StatusBadRequest, "Invalid request body", err))
		return
	}

	exec, err := s.services.Sandbox.Execute(c.Request.Context(), req.Code)
	if err != nil {
		handleError(c, err)
		return
	}
	if exec.Error != nil {
		c.JSON(http.StatusOK, exec.Error)
		return
	}
	c.JSON(http.StatusOK, items(exec))
}

func items(exec *sandbox.Execution) []sandbox.Item {
	if exec.Items == nil {
		return []sandbox.Item{}
	}
	return exec.Items
}

// handleCodeAsk has the model write code for a task and runs it.
func (s *Server) handleCodeAsk(c *gin.Context) {
	if s.services.Assistant == nil {
		handleError(c, unavailable("code assistant"))
		return
	}
	var req struct {
		Task  string   `json:"task" binding:"required"`
		Files []string `json:"files"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		handleError(c, errors.NewAppError(http.StatusBadRequest, "Invalid request body", err))
		return
	}

	answer, err := s.services.Assistant.Run(c.Request.Context(), req.Task, req.Files)
	if err != nil {
		handleError(c, err)
		return
	}
	if answer.Execution.Error != nil {
		c.JSON(http.StatusOK, gin.H{"code": answer.Code, "error": answer.Execution.Error})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": answer.Code, "results": items(answer.Execution)})
}

// handleFileCode uploads a file into the sandbox. The file is either a
// multipart upload or a URL given as the "file" field of a form or JSON body.
func (s *Server) handleFileCode(c *gin.Context) {
	if s.services.Sandbox == nil {
		handleError(c, unavailable("sandbox"))
		return
	}
	ctx := c.Request.Context()

	if strings.HasPrefix(c.ContentType(), "multipart/") || c.ContentType() == "application/x-www-form-urlencoded" {
		if !s.limitBody(c) {
			return
		}
		fh, err := c.FormFile("file")
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			handleError(c, s.tooLarge())
			return
		}
		if err == nil {
			data, err := s.readUpload(fh)
			if err != nil {
				handleError(c, err)
				return
			}
			path, err := s.services.Sandbox.UploadFile(ctx, fh.Filename, data)
			if err != nil {
				handleError(c, err)
				return
			}
			c.JSON(http.StatusOK, path)
			return
		}
		target, ok := c.GetPostForm("file")
		if !ok {
			handleError(c, errors.NewAppError(http.StatusBadRequest, "Missing file", nil))
			return
		}
		s.uploadURL(c, target)
		return
	}

	var req struct {
		File string `json:"file" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		handleError(c, errors.NewAppError(http.StatusBadRequest, "Invalid request body", err))
		return
	}
	s.uploadURL(c, req.File)
}

func (s *Server) uploadURL(c *gin.Context, target string) {
	path, err := s.services.Sandbox.UploadURL(c.Request.Context(), target)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, path)
}

// handleRAG indexes documents and returns the index handle.
func (s *Server) handleRAG(c *gin.Context) {
	if s.services.Index == nil {
		handleError(c, unavailable("search"))
		return
	}
	var req struct {
		Docs []string `json:"docs" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		handleError(c, errors.NewAppError(http.StatusBadRequest, "Invalid request body", err))
		return
	}

	handle, err := s.services.Index.BuildIndex(c.Request.Context(), req.Docs)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, handle)
}

// handleRAGQuery runs a hybrid query against an index built by handleRAG.
func (s *Server) handleRAGQuery(c *gin.Context) {
	if s.services.Index == nil {
		handleError(c, unavailable("search"))
		return
	}
	var req struct {
		Index string `json:"index" binding:"required"`
		Query string `json:"query" binding:"required"`
		K     int    `json:"k"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		handleError(c, errors.NewAppError(http.StatusBadRequest, "Invalid request body", err))
		return
	}

	hits, err := s.services.Index.Query(c.Request.Context(), req.Index, req.Query, req.K)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, hits)
}

func unavailable(name string) error {
	return fmt.Errorf("%w: %s", errors.ErrUnavailable, name)
}

func handleError(c *gin.Context, err error) {
	_ = c.Error(err)
	appErr := errors.MapError(err)
	body := gin.H{"error": appErr.Message}
	if appErr.Hint != "" {
		body["hint"] = appErr.Hint
	}
	if appErr.Code < http.StatusInternalServerError && appErr.Err != nil {
		body["detail"] = appErr.Err.Error()
	}
	c.JSON(appErr.Code, body)
}
